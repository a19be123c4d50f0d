// throttle.go provides a coarse per-client request throttle. The signup handler
// consults it only for validated submissions, right before an attempt is recorded, so
// malformed requests never spend it. It bounds submission bursts when the attempt
// limiter fails open.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/customergpt/waitlist/internal/safego"
)

// Throttle decides whether one more request for key fits its budget. When it does not,
// retryAfter is how long until it would.
type Throttle interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// ThrottleConfig holds configuration for request throttling
type ThrottleConfig struct {
	// RequestsPerMinute is the sustained refill rate
	RequestsPerMinute int
	// Burst is the bucket size
	Burst int
	// CleanupInterval is how often idle in-memory buckets are evicted
	CleanupInterval time.Duration
}

// DefaultThrottleConfig returns 60 requests per minute with a burst of 10.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		RequestsPerMinute: 60,
		Burst:             10,
		CleanupInterval:   5 * time.Minute,
	}
}

// bucket tracks the tokens left for a single client
type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// TokenBucket is an in-process token bucket throttle. Limits are per replica.
type TokenBucket struct {
	config  ThrottleConfig
	buckets map[string]*bucket
	mu      sync.Mutex
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time
}

// NewTokenBucket creates a TokenBucket and starts its cleanup loop.
func NewTokenBucket(config ThrottleConfig) *TokenBucket {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	tb := &TokenBucket{
		config:  config,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	safego.Go("throttle-cleanup", tb.cleanup)
	return tb
}

func (tb *TokenBucket) cleanup() {
	ticker := time.NewTicker(tb.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tb.evictIdle()
		case <-tb.stopCh:
			return
		}
	}
}

// evictIdle drops buckets that have had time to refill completely.
func (tb *TokenBucket) evictIdle() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	idle := tb.fullRefill()
	now := tb.now()
	for key, b := range tb.buckets {
		if now.Sub(b.lastUpdate) > idle {
			delete(tb.buckets, key)
		}
	}
}

func (tb *TokenBucket) perSecond() float64 {
	return float64(tb.config.RequestsPerMinute) / 60.0
}

func (tb *TokenBucket) fullRefill() time.Duration {
	return time.Duration(float64(tb.config.Burst) / tb.perSecond() * float64(time.Second))
}

// Stop stops the cleanup goroutine
func (tb *TokenBucket) Stop() {
	tb.once.Do(func() { close(tb.stopCh) })
}

// Allow takes one token from key's bucket.
func (tb *TokenBucket) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, exists := tb.buckets[key]
	if !exists {
		tb.buckets[key] = &bucket{
			tokens:     float64(tb.config.Burst) - 1,
			lastUpdate: now,
		}
		return true, 0, nil
	}

	elapsed := now.Sub(b.lastUpdate)
	b.tokens = math.Min(float64(tb.config.Burst), b.tokens+elapsed.Seconds()*tb.perSecond())
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}

	wait := (1 - b.tokens) / tb.perSecond()
	return false, time.Duration(wait * float64(time.Second)), nil
}

// RedisThrottle is a GCRA throttle shared by every replica through Redis.
type RedisThrottle struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisThrottle creates a RedisThrottle on client.
func NewRedisThrottle(client *redis.Client, config ThrottleConfig) *RedisThrottle {
	return &RedisThrottle{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   config.RequestsPerMinute,
			Burst:  config.Burst,
			Period: time.Minute,
		},
	}
}

// Allow takes one request from key's budget.
func (rt *RedisThrottle) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	res, err := rt.limiter.Allow(ctx, "throttle:"+key, rt.limit)
	if err != nil {
		return false, 0, err
	}
	if res.Allowed > 0 {
		return true, 0, nil
	}
	return false, res.RetryAfter, nil
}
