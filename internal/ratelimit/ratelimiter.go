// Package ratelimit caps inbound routing requests per tenant with a fixed window
// counter in Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a request for key may proceed. A limit of 0 means
// unlimited; remaining is then -1 and resetAt is zero.
type Limiter interface {
	AllowWithDetails(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// INCR the window counter, arming the expiry on the first hit.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

// RateLimiter is a Redis fixed-window limiter shared by every router instance
type RateLimiter struct {
	client *redis.Client
	window time.Duration
	prefix string
}

// NewRateLimiter creates a limiter with one-minute windows
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return NewRateLimiterWithWindow(client, time.Minute)
}

// NewRateLimiterWithWindow creates a limiter with a custom window length
func NewRateLimiterWithWindow(client *redis.Client, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		window: window,
		prefix: "ratelimit:",
	}
}

func (l *RateLimiter) key(key string) string {
	return l.prefix + key
}

// AllowWithDetails counts one request against key
func (l *RateLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	if limit <= 0 {
		return true, -1, time.Time{}, nil
	}

	res, err := incrScript.Run(ctx, l.client, []string{l.key(key)}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	count, ttl := res[0], res[1]
	if ttl < 0 {
		ttl = l.window.Milliseconds()
	}
	resetAt := time.Now().Add(time.Duration(ttl) * time.Millisecond)

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(limit), remaining, resetAt, nil
}

// GetCurrentUsage returns the request count in the current window
func (l *RateLimiter) GetCurrentUsage(ctx context.Context, key string) (int64, error) {
	count, err := l.client.Get(ctx, l.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}
	return count, nil
}

// Reset clears the current window for key
func (l *RateLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.key(key)).Err()
}

// NoopLimiter allows everything; used when Redis is not configured
type NoopLimiter struct{}

// NewNoopLimiter creates a limiter that never blocks
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// AllowWithDetails always allows
func (NoopLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	return true, -1, time.Time{}, nil
}
