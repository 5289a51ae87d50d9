package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env           string
	ListenAddr    string
	PublicBaseURL string
	LogLevel      string

	DatabaseURL   string
	DBHost        string
	DBPort        int
	DBName        string
	DBUser        string
	DBPassword    string
	DBSSLMode     string
	DBSSLRootCert string

	BlobDir           string
	BlobPresignSecret string
	BlobPresignTTL    time.Duration

	SweepInterval  time.Duration
	UploadMaxBytes int64
}

func Load() (Config, error) {
	cfg := Config{
		Env:           getenvDefault("ENV", "development"),
		ListenAddr:    getenvDefault("LISTEN_ADDR", ":8080"),
		PublicBaseURL: strings.TrimRight(getenvDefault("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		LogLevel:      getenvDefault("LOG_LEVEL", "info"),

		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBHost:        getenvDefault("DB_HOST", "127.0.0.1"),
		DBName:        getenvDefault("DB_NAME", "sdpremote"),
		DBUser:        getenvDefault("DB_USER", "sdpremote"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBSSLMode:     getenvDefault("DB_SSLMODE", "disable"),
		DBSSLRootCert: strings.TrimSpace(os.Getenv("DB_SSLROOTCERT")),

		BlobDir:           getenvDefault("BLOB_DIR", "./data/blobs"),
		BlobPresignSecret: strings.TrimSpace(os.Getenv("BLOB_PRESIGN_SECRET")),
	}

	dbPortStr := getenvDefault("DB_PORT", "5432")
	dbPort, err := strconv.Atoi(dbPortStr)
	if err != nil || dbPort <= 0 || dbPort > 65535 {
		return Config{}, fmt.Errorf("invalid DB_PORT %q", dbPortStr)
	}
	cfg.DBPort = dbPort

	cfg.BlobPresignTTL, err = parseDurationDefault("BLOB_PRESIGN_TTL", 6*time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = parseDurationDefault("SWEEP_INTERVAL", 6*time.Hour)
	if err != nil {
		return Config{}, err
	}

	maxBytesStr := getenvDefault("UPLOAD_MAX_BYTES", "268435456")
	maxBytes, err := strconv.ParseInt(maxBytesStr, 10, 64)
	if err != nil || maxBytes <= 0 {
		return Config{}, fmt.Errorf("invalid UPLOAD_MAX_BYTES %q", maxBytesStr)
	}
	cfg.UploadMaxBytes = maxBytes

	if cfg.PublicBaseURL == "" {
		return Config{}, errors.New("PUBLIC_BASE_URL is required")
	}
	if _, err := url.Parse(cfg.PublicBaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid PUBLIC_BASE_URL: %w", err)
	}

	if cfg.Env == "production" && cfg.BlobPresignSecret == "" {
		return Config{}, errors.New("BLOB_PRESIGN_SECRET is required in production")
	}

	return cfg, nil
}

func (c Config) PostgresURL() (string, error) {
	if c.DatabaseURL != "" {
		return c.DatabaseURL, nil
	}

	missing := make([]string, 0, 4)
	if c.DBHost == "" {
		missing = append(missing, "DB_HOST")
	}
	if c.DBName == "" {
		missing = append(missing, "DB_NAME")
	}
	if c.DBUser == "" {
		missing = append(missing, "DB_USER")
	}
	if c.DBSSLMode == "" {
		missing = append(missing, "DB_SSLMODE")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing env vars: %s", strings.Join(missing, ", "))
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := u.Query()
	q.Set("sslmode", c.DBSSLMode)
	if c.DBSSLRootCert != "" {
		q.Set("sslrootcert", c.DBSSLRootCert)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func parseDurationDefault(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return d, nil
}

func getenvDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
