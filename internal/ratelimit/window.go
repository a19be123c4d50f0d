package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/customergpt/waitlist/internal/db/models"
)

// AttemptStore is the persistence the WindowLimiter needs. It is satisfied by
// repositories.RateLimitAttemptRepository.
type AttemptStore interface {
	FindActiveAttempt(ctx context.Context, ip, endpoint string, since time.Time) (*models.RateLimitAttempt, error)
	RecordAttempt(ctx context.Context, ip, endpoint string, now, since time.Time) error
}

// WindowLimiter limits attempts using counters kept in an AttemptStore. A counter is
// live while its last attempt lies inside the window.
type WindowLimiter struct {
	store AttemptStore
	cfg   Config
	now   func() time.Time
}

// NewWindowLimiter creates a WindowLimiter over store.
func NewWindowLimiter(store AttemptStore, cfg Config) *WindowLimiter {
	return &WindowLimiter{store: store, cfg: cfg, now: time.Now}
}

// Check reports whether ip may make another attempt. Lookup failures allow the request.
func (l *WindowLimiter) Check(ctx context.Context, ip string) Decision {
	now := l.now()
	attempt, err := l.store.FindActiveAttempt(ctx, ip, l.cfg.Endpoint, now.Add(-l.cfg.Window))
	if err != nil {
		slog.Error("rate limit check failed, allowing request", "ip", ip, "endpoint", l.cfg.Endpoint, "error", err)
		return failOpen()
	}
	if attempt == nil {
		return observe(Decision{Allowed: true})
	}
	return observe(evaluate(l.cfg, attempt.Attempts, attempt.FirstAttemptAt, now))
}

// Record counts one attempt for ip.
func (l *WindowLimiter) Record(ctx context.Context, ip string) error {
	now := l.now()
	return l.store.RecordAttempt(ctx, ip, l.cfg.Endpoint, now, now.Add(-l.cfg.Window))
}
