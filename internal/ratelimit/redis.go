package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// recordScript increments the counter, stamps first/last attempt times (unix ms) and
// extends the key's life to one window past this attempt.
var recordScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
if n == 1 then
	redis.call('HSET', KEYS[1], 'first_attempt_at', ARGV[1])
end
redis.call('HSET', KEYS[1], 'last_attempt_at', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return n
`)

// RedisLimiter keeps one hash per (endpoint, ip). The key expires one window after the
// last recorded attempt, which gives the same liveness rule as the attempts table.
type RedisLimiter struct {
	client redis.UniversalClient
	cfg    Config
	now    func() time.Time
}

// NewRedisLimiter creates a RedisLimiter using client.
func NewRedisLimiter(client redis.UniversalClient, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg, now: time.Now}
}

func (l *RedisLimiter) key(ip string) string {
	return keyPrefix + l.cfg.Endpoint + ":" + ip
}

// Check reports whether ip may make another attempt. Redis failures allow the request.
func (l *RedisLimiter) Check(ctx context.Context, ip string) Decision {
	attempts, first, err := l.load(ctx, ip)
	if err != nil {
		slog.Error("rate limit check failed, allowing request", "ip", ip, "endpoint", l.cfg.Endpoint, "error", err)
		return failOpen()
	}
	if attempts == 0 {
		return observe(Decision{Allowed: true})
	}
	return observe(evaluate(l.cfg, attempts, first, l.now()))
}

func (l *RedisLimiter) load(ctx context.Context, ip string) (int, time.Time, error) {
	vals, err := l.client.HMGet(ctx, l.key(ip), "attempts", "first_attempt_at").Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(vals) != 2 || vals[0] == nil {
		return 0, time.Time{}, nil
	}

	attempts, err := strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("invalid attempts value: %w", err)
	}
	if vals[1] == nil {
		return 0, time.Time{}, errors.New("counter has no first_attempt_at")
	}
	firstMs, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("invalid first_attempt_at value: %w", err)
	}
	return attempts, time.UnixMilli(firstMs), nil
}

// Record counts one attempt for ip in a single atomic script call.
func (l *RedisLimiter) Record(ctx context.Context, ip string) error {
	now := l.now()
	err := recordScript.Run(ctx, l.client, []string{l.key(ip)}, now.UnixMilli(), l.cfg.Window.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}
