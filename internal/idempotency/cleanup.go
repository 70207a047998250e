package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is implemented by stores that do not expire records on their own.
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// CleanupExpired removes expired records once.
func CleanupExpired(ctx context.Context, s Sweeper) (int64, error) {
	deleted, err := s.DeleteExpired(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to cleanup expired idempotency keys", "error", err)
		return 0, err
	}

	if deleted > 0 {
		slog.InfoContext(ctx, "cleaned up expired idempotency keys", "deleted", deleted)
	}

	return deleted, nil
}

// RunPeriodicCleanup runs CleanupExpired every interval until ctx is done.
// This function blocks and should typically be run in a goroutine.
func RunPeriodicCleanup(ctx context.Context, s Sweeper, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = CleanupExpired(ctx, s)
		case <-ctx.Done():
			slog.Info("stopping idempotency cleanup")
			return
		}
	}
}
