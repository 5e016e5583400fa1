// Package limiters contains the Redis-backed fixed-window counters the engine
// uses for login throttling and MFA attempt caps. All counters fail closed:
// a Redis error propagates and the caller refuses the operation.
package limiters

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LoginLimiter throttles authentication attempts per (email, IP) pair and
// doubles as the source of the recent-failure count fed into risk scoring.
type LoginLimiter struct {
	rdb    redis.UniversalClient
	max    int
	window time.Duration
	prefix string
}

func NewLoginLimiter(rdb redis.UniversalClient, max int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{rdb: rdb, max: max, window: window, prefix: "authcore:login:"}
}

func (l *LoginLimiter) key(email, ip string) string {
	return l.prefix + email + ":" + ip
}

// Allow reports whether another attempt is permitted in the current window.
func (l *LoginLimiter) Allow(ctx context.Context, email, ip string) (bool, error) {
	n, err := l.rdb.Get(ctx, l.key(email, ip)).Int()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("login limiter read: %w", err)
	}
	return n < l.max, nil
}

// RecordFailure bumps the window counter and returns the new count.
func (l *LoginLimiter) RecordFailure(ctx context.Context, email, ip string) (int64, error) {
	key := l.key(email, ip)
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("login limiter incr: %w", err)
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			return n, fmt.Errorf("login limiter expire: %w", err)
		}
	}
	return n, nil
}

// Failures returns the current window count without modifying it.
func (l *LoginLimiter) Failures(ctx context.Context, email, ip string) (int64, error) {
	n, err := l.rdb.Get(ctx, l.key(email, ip)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("login limiter read: %w", err)
	}
	return n, nil
}

// Reset clears the window after a successful authentication.
func (l *LoginLimiter) Reset(ctx context.Context, email, ip string) error {
	if err := l.rdb.Del(ctx, l.key(email, ip)).Err(); err != nil {
		return fmt.Errorf("login limiter reset: %w", err)
	}
	return nil
}
