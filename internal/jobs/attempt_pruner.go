// attempt_pruner.go implements the AttemptPruner background job, which deletes
// rate_limit_attempts rows whose last attempt is older than the configured retention.
// The request path never deletes counters, so without this job the table grows with
// every distinct client IP. The job is opt-in: it is a no-op unless
// ratelimit.prune.enabled is set.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/customergpt/waitlist/internal/config"
	"github.com/customergpt/waitlist/internal/telemetry"
)

// StaleAttemptDeleter removes attempt counters last touched before a cutoff.
// Implemented by repositories.RateLimitAttemptRepository.
type StaleAttemptDeleter interface {
	DeleteStaleAttempts(ctx context.Context, before time.Time) (int64, error)
}

// AttemptPruner periodically deletes stale rate limit attempt rows.
type AttemptPruner struct {
	repo      StaleAttemptDeleter
	cfg       config.AttemptPruneConfig
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	stopChan  chan struct{}
}

// NewAttemptPruner creates a new AttemptPruner. A non-positive interval defaults to
// one hour and a non-positive retention to 24 hours.
func NewAttemptPruner(repo StaleAttemptDeleter, cfg config.AttemptPruneConfig) *AttemptPruner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &AttemptPruner{
		repo:      repo,
		cfg:       cfg,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Start runs an initial prune, then repeats on the configured interval until ctx is
// cancelled or Stop() is called. It blocks, so callers run it in its own goroutine.
func (p *AttemptPruner) Start(ctx context.Context) {
	if !p.cfg.Enabled {
		slog.Info("attempt pruner: disabled (ratelimit.prune.enabled=false)")
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("attempt pruner started", "interval", p.interval, "retention", p.retention)

	p.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-p.stopChan:
			slog.Info("attempt pruner stopped")
			return
		case <-ctx.Done():
			slog.Info("attempt pruner context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (p *AttemptPruner) Stop() {
	close(p.stopChan)
}

// runOnce deletes every counter whose last attempt is older than the retention.
func (p *AttemptPruner) runOnce(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.retention)
	deleted, err := p.repo.DeleteStaleAttempts(ctx, cutoff)
	if err != nil {
		slog.Error("attempt pruner: failed to delete stale attempts", "cutoff", cutoff, "error", err)
		return 0
	}

	telemetry.AttemptsPrunedTotal.Add(float64(deleted))
	if deleted > 0 {
		slog.Info("attempt pruner: deleted stale attempts", "count", deleted, "cutoff", cutoff)
	}
	return deleted
}
