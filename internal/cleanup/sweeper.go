// Package cleanup runs background maintenance over the store.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ashureev/poten/internal/shared"
)

const (
	sweepRetries   = 3
	sweepBaseDelay = 100 * time.Millisecond
)

var tokensSwept = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "poten",
	Subsystem: "cleanup",
	Name:      "expired_tokens_deleted_total",
	Help:      "Expired login and auth tokens removed by the sweeper",
})

// TokenPurger deletes tokens past their expiry.
type TokenPurger interface {
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// StartSweeper runs a background goroutine that periodically deletes expired
// tokens until ctx is cancelled.
func StartSweeper(ctx context.Context, purger TokenPurger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Token sweeper started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, purger, time.Now())
			case <-ctx.Done():
				slog.Info("Token sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep deletes tokens expired at now, retrying SQLite busy errors with
// exponential backoff. It returns the number of tokens removed.
func Sweep(ctx context.Context, purger TokenPurger, now time.Time) int64 {
	var deleted int64
	err := shared.RetryOnConflict(ctx, sweepRetries, sweepBaseDelay, func() error {
		n, err := purger.DeleteExpiredTokens(ctx, now)
		if err != nil {
			return err
		}
		deleted = n
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Token sweep interrupted", "error", err)
			return 0
		}
		slog.Warn("Token sweep failed after retries", "error", err)
		return 0
	}
	if deleted > 0 {
		tokensSwept.Add(float64(deleted))
		slog.Info("Token sweeper removed expired tokens", "count", deleted)
	}
	return deleted
}
