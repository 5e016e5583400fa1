package limiters

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MFALimiter caps TOTP and backup-code attempts per user. Exhausting the cap
// starts a cooldown during which all attempts are refused.
type MFALimiter struct {
	rdb      redis.UniversalClient
	max      int
	cooldown time.Duration
	prefix   string
}

func NewMFALimiter(rdb redis.UniversalClient, max int, cooldown time.Duration) *MFALimiter {
	return &MFALimiter{rdb: rdb, max: max, cooldown: cooldown, prefix: "authcore:mfa:"}
}

// Allow reports whether the user may submit another code.
func (l *MFALimiter) Allow(ctx context.Context, userID string) (bool, error) {
	n, err := l.rdb.Get(ctx, l.prefix+userID).Int()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("mfa limiter read: %w", err)
	}
	return n < l.max, nil
}

// RecordFailure bumps the attempt counter; the cooldown clock starts at the
// first failure of the window.
func (l *MFALimiter) RecordFailure(ctx context.Context, userID string) error {
	key := l.prefix + userID
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("mfa limiter incr: %w", err)
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, l.cooldown).Err(); err != nil {
			return fmt.Errorf("mfa limiter expire: %w", err)
		}
	}
	return nil
}

// Reset clears the counter after a successful verification.
func (l *MFALimiter) Reset(ctx context.Context, userID string) error {
	if err := l.rdb.Del(ctx, l.prefix+userID).Err(); err != nil {
		return fmt.Errorf("mfa limiter reset: %w", err)
	}
	return nil
}
