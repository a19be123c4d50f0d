// Package ratelimit implements the per-IP sliding-window attempt limiter guarding the
// signup endpoint.
//
// A limiter answers two questions for a client IP: may it make another attempt now
// (Check), and note that it just made one (Record). Check runs before the request body
// is read; Record runs only once the body has validated, so malformed requests never
// consume budget. Both backends fail open: a store error never blocks a request.
package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/customergpt/waitlist/internal/telemetry"
)

// MinRetryAfter is the smallest Retry-After, in seconds, a denied client is given.
const MinRetryAfter = 60

// Decision labels for telemetry.RateLimitDecisionsTotal.
const (
	decisionAllowed  = "allowed"
	decisionDenied   = "denied"
	decisionFailOpen = "fail_open"
)

// Config holds the limiter parameters.
type Config struct {
	MaxAttempts int
	Window      time.Duration
	Endpoint    string
}

// DefaultConfig returns 5 attempts per 10 minutes on the "waitlist" endpoint.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Window:      10 * time.Minute,
		Endpoint:    "waitlist",
	}
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed bool
	// RetryAfter is the number of seconds a denied client should wait. Zero when allowed.
	RetryAfter int
}

// Limiter decides whether an IP may make another signup attempt.
type Limiter interface {
	Check(ctx context.Context, ip string) Decision
	Record(ctx context.Context, ip string) error
}

// evaluate applies the limit to a live counter. attempts is the recorded count inside the
// window and firstAttemptAt the start of that counter.
func evaluate(cfg Config, attempts int, firstAttemptAt, now time.Time) Decision {
	if attempts < cfg.MaxAttempts {
		return Decision{Allowed: true}
	}
	return Decision{RetryAfter: RetryAfter(cfg.Window, now.Sub(firstAttemptAt))}
}

// RetryAfter returns the seconds left until a counter that started elapsed ago leaves
// the window, rounded up to the whole second and never below MinRetryAfter.
func RetryAfter(window, elapsed time.Duration) int {
	remainingMs := (window - elapsed).Milliseconds()
	seconds := int(math.Ceil(float64(remainingMs) / 1000))
	return max(seconds, MinRetryAfter)
}

func observe(d Decision) Decision {
	if d.Allowed {
		telemetry.RateLimitDecisionsTotal.WithLabelValues(decisionAllowed).Inc()
	} else {
		telemetry.RateLimitDecisionsTotal.WithLabelValues(decisionDenied).Inc()
	}
	return d
}

func failOpen() Decision {
	telemetry.RateLimitDecisionsTotal.WithLabelValues(decisionFailOpen).Inc()
	return Decision{Allowed: true}
}
