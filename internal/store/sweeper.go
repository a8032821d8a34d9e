package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often StartSweeper looks for stale memory.
const DefaultSweepInterval = 5 * time.Minute

// StartSweeper runs a background goroutine that periodically removes child
// memory untouched for longer than ttl. It stops when ctx is cancelled.
func StartSweeper(ctx context.Context, repo Repository, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Memory sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, repo, ttl)
			case <-ctx.Done():
				slog.Info("Memory sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, repo Repository, ttl time.Duration) int64 {
	deleted, err := repo.CleanupStaleMemory(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Memory sweep interrupted", "error", err)
			return 0
		}
		slog.Error("Memory sweeper failed to clean up stale memory", "error", err)
		return 0
	}
	if deleted > 0 {
		slog.Info("Memory sweeper removed stale memory", "count", deleted)
	}
	return deleted
}
