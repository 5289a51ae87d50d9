package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gudn/sdpremote/internal/blob"
)

const sweepRunTimeout = 5 * time.Minute

type sweeperStore interface {
	ExpiredBlobIDs(ctx context.Context, now time.Time) ([]int64, error)
	DeleteBlobRows(ctx context.Context, sids []int64) error
}

// openStoreFunc opens a dedicated store for one sweep run. The returned
// close function releases its connection.
type openStoreFunc func(ctx context.Context) (sweeperStore, func() error, error)

// runExpirySweeper reclaims blobs that were never referenced before their
// expiry. Each run uses its own short-lived database connection; backend
// deletion failures keep their rows and are retried next cycle.
func runExpirySweeper(
	ctx context.Context,
	logger *slog.Logger,
	open openStoreFunc,
	backend blob.Backend,
	interval time.Duration,
	now func() time.Time,
) {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		logger.Error("expiry sweeper disabled: interval must be positive", "interval", interval)
		return
	}

	// Run once at startup so long-lived processes do not wait an entire tick
	// before reclaiming already-expired blobs.
	sweepOnce(ctx, logger, open, backend, now)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, logger, open, backend, now)
		}
	}
}

func sweepOnce(
	ctx context.Context,
	logger *slog.Logger,
	open openStoreFunc,
	backend blob.Backend,
	now func() time.Time,
) {
	if ctx.Err() != nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, sweepRunTimeout)
	defer cancel()

	store, closeStore, err := open(cctx)
	if err != nil {
		logSweepError(logger, "expiry sweep open store failed", err)
		return
	}
	defer closeStore()

	ids, err := store.ExpiredBlobIDs(cctx, now().UTC())
	if err != nil {
		logSweepError(logger, "expiry sweep query failed", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	failed, err := backend.BulkDelete(cctx, ids)
	if err != nil {
		logSweepError(logger, "expiry sweep backend delete failed", err)
		return
	}

	deleted := ids
	if len(failed) > 0 {
		failedSet := make(map[int64]struct{}, len(failed))
		for _, id := range failed {
			failedSet[id] = struct{}{}
		}
		deleted = deleted[:0]
		for _, id := range ids {
			if _, ok := failedSet[id]; !ok {
				deleted = append(deleted, id)
			}
		}
	}

	if err := store.DeleteBlobRows(cctx, deleted); err != nil {
		logSweepError(logger, "expiry sweep row delete failed", err)
		return
	}

	attrs := []any{"deleted", len(deleted)}
	if len(failed) > 0 {
		attrs = append(attrs, "failed", len(failed))
	}
	logger.Info("expired blobs reclaimed", attrs...)
}

func logSweepError(logger *slog.Logger, msg string, err error) {
	// Shutdown/timeout cancellation is expected; avoid noisy logs.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	logger.Error(msg, "err", err)
}
