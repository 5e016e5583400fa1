package limiters

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestLoginLimiterWindow(t *testing.T) {
	mr, rdb := newRedis(t)
	l := NewLoginLimiter(rdb, 3, time.Minute)
	ctx := context.Background()

	ok, err := l.Allow(ctx, "a@b.test", "192.0.2.1")
	if err != nil || !ok {
		t.Fatalf("expected fresh key to allow, got ok=%v err=%v", ok, err)
	}

	for i := 1; i <= 3; i++ {
		n, err := l.RecordFailure(ctx, "a@b.test", "192.0.2.1")
		if err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
		if n != int64(i) {
			t.Fatalf("expected count %d, got %d", i, n)
		}
	}

	ok, err = l.Allow(ctx, "a@b.test", "192.0.2.1")
	if err != nil || ok {
		t.Fatalf("expected exhausted window to refuse, got ok=%v err=%v", ok, err)
	}
	// Another address is an independent window.
	ok, err = l.Allow(ctx, "a@b.test", "192.0.2.2")
	if err != nil || !ok {
		t.Fatalf("expected other IP to allow, got ok=%v err=%v", ok, err)
	}

	// The window expires on its own.
	mr.FastForward(61 * time.Second)
	ok, err = l.Allow(ctx, "a@b.test", "192.0.2.1")
	if err != nil || !ok {
		t.Fatalf("expected expired window to allow, got ok=%v err=%v", ok, err)
	}
}

func TestLoginLimiterFailuresAndReset(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewLoginLimiter(rdb, 5, time.Minute)
	ctx := context.Background()

	n, err := l.Failures(ctx, "a@b.test", "192.0.2.1")
	if err != nil || n != 0 {
		t.Fatalf("expected zero failures, got n=%d err=%v", n, err)
	}

	if _, err := l.RecordFailure(ctx, "a@b.test", "192.0.2.1"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if _, err := l.RecordFailure(ctx, "a@b.test", "192.0.2.1"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}

	n, err = l.Failures(ctx, "a@b.test", "192.0.2.1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 failures, got n=%d err=%v", n, err)
	}

	if err := l.Reset(ctx, "a@b.test", "192.0.2.1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	n, err = l.Failures(ctx, "a@b.test", "192.0.2.1")
	if err != nil || n != 0 {
		t.Fatalf("expected reset counter, got n=%d err=%v", n, err)
	}
}

func TestLoginLimiterFailsClosed(t *testing.T) {
	mr, rdb := newRedis(t)
	l := NewLoginLimiter(rdb, 3, time.Minute)
	mr.Close()

	if _, err := l.Allow(context.Background(), "a@b.test", "192.0.2.1"); err == nil {
		t.Fatal("expected error with Redis down")
	}
	if _, err := l.RecordFailure(context.Background(), "a@b.test", "192.0.2.1"); err == nil {
		t.Fatal("expected error with Redis down")
	}
}

func TestMFALimiterCooldown(t *testing.T) {
	mr, rdb := newRedis(t)
	l := NewMFALimiter(rdb, 2, time.Minute)
	ctx := context.Background()

	ok, err := l.Allow(ctx, "user-1")
	if err != nil || !ok {
		t.Fatalf("expected fresh user to allow, got ok=%v err=%v", ok, err)
	}

	if err := l.RecordFailure(ctx, "user-1"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	ok, err = l.Allow(ctx, "user-1")
	if err != nil || !ok {
		t.Fatalf("expected one failure below cap to allow, got ok=%v err=%v", ok, err)
	}

	if err := l.RecordFailure(ctx, "user-1"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	ok, err = l.Allow(ctx, "user-1")
	if err != nil || ok {
		t.Fatalf("expected cap to refuse, got ok=%v err=%v", ok, err)
	}

	// Cooldown elapses.
	mr.FastForward(61 * time.Second)
	ok, err = l.Allow(ctx, "user-1")
	if err != nil || !ok {
		t.Fatalf("expected cooldown expiry to allow, got ok=%v err=%v", ok, err)
	}
}

func TestMFALimiterReset(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewMFALimiter(rdb, 1, time.Minute)
	ctx := context.Background()

	if err := l.RecordFailure(ctx, "user-1"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if ok, _ := l.Allow(ctx, "user-1"); ok {
		t.Fatal("expected cap to refuse")
	}
	if err := l.Reset(ctx, "user-1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if ok, err := l.Allow(ctx, "user-1"); err != nil || !ok {
		t.Fatalf("expected reset to allow, got ok=%v err=%v", ok, err)
	}
}
