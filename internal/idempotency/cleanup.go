package idempotency

import (
	"log/slog"
	"time"
)

// DefaultExpiry is the default retention for processed-event records.
// Stripe retries failed deliveries for up to three days, so dedup state
// must outlive the retry window.
const DefaultExpiry = 72 * time.Hour

// CleanupOldEvents removes processed events older than the specified
// duration. Returns the number of events deleted and any error encountered.
func CleanupOldEvents(repo Repository, expiry time.Duration) (int64, error) {
	deleted, err := repo.DeleteOlderThan(expiry)
	if err != nil {
		slog.Error("failed to cleanup old processed events", "error", err)
		return 0, err
	}

	if deleted > 0 {
		slog.Info("cleaned up old processed events", "deleted", deleted, "older_than", expiry)
	}

	return deleted, nil
}

// RunPeriodicCleanup runs the cleanup job at the specified interval until
// the stop channel is closed. It blocks and should be run in a goroutine.
func RunPeriodicCleanup(repo Repository, interval, expiry time.Duration, stopChan <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run cleanup immediately on start.
	if _, err := CleanupOldEvents(repo, expiry); err != nil {
		slog.Error("initial cleanup failed", "error", err)
	}

	for {
		select {
		case <-ticker.C:
			if _, err := CleanupOldEvents(repo, expiry); err != nil {
				slog.Error("periodic cleanup failed", "error", err)
			}
		case <-stopChan:
			slog.Info("stopping periodic cleanup")
			return
		}
	}
}
