package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gudn/sdpremote/internal/api"
	"github.com/gudn/sdpremote/internal/blob/filestore"
	"github.com/gudn/sdpremote/internal/config"
	"github.com/gudn/sdpremote/internal/database"
	"github.com/gudn/sdpremote/internal/storage/postgres"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Convenience for local dev: load .env if present (does not override existing env vars).
	if os.Getenv("ENV") != "production" {
		_ = config.LoadDotEnvIfPresent(".env")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	dbURL, err := cfg.PostgresURL()
	if err != nil {
		slog.Error("db url error", "err", err)
		os.Exit(1)
	}

	conn, err := database.OpenPostgres(ctx, dbURL)
	if err != nil {
		slog.Error("db connection error", "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	migrator := database.NewMigrator(conn)
	applied, err := migrator.Migrate(ctx)
	if err != nil {
		slog.Error("migration error", "err", err)
		os.Exit(1)
	}
	if len(applied) > 0 {
		slog.Info("migrations applied", "count", len(applied))
	}

	store := postgres.New(conn.DB())

	secret := []byte(cfg.BlobPresignSecret)
	if len(secret) == 0 {
		// Development fallback; presigned URLs stop working across restarts.
		var b [32]byte
		if _, err := rand.Read(b[:]); err != nil {
			slog.Error("crypto/rand error", "err", err)
			os.Exit(1)
		}
		secret = []byte(hex.EncodeToString(b[:]))
		slog.Warn("BLOB_PRESIGN_SECRET not set; using a random per-process secret")
	}
	signer := filestore.NewSigner(cfg.PublicBaseURL, secret)

	backend := filestore.New(cfg.BlobDir, signer)
	if err := backend.Ensure(ctx); err != nil {
		slog.Error("blob backend error", "err", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg, store, backend, signer)
	defer srv.Close()

	openSweepStore := func(ctx context.Context) (sweeperStore, func() error, error) {
		c, err := database.OpenPostgresDedicated(ctx, dbURL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(c.DB()), c.Close, nil
	}
	go runExpirySweeper(ctx, logger, openSweepStore, backend, cfg.SweepInterval, time.Now)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
