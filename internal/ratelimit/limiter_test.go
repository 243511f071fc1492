package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// setupTestLimiter creates a Limiter connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestLimiter(t *testing.T) (*Limiter, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewLimiter(rdb), ctx
}

func TestAllow_UnderLimit(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}
	id := uuid.New().String()

	for i := 0; i < 5; i++ {
		if !l.Allow(ctx, id, rule) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
}

func TestAllow_OverLimit(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}
	id := uuid.New().String()

	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, id, rule) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow(ctx, id, rule) {
		t.Error("request over the limit should be denied")
	}
}

func TestAllow_IndependentIdentifiers(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("user-%d-%s", i, uuid.New().String())
		if !l.Allow(ctx, id, rule) {
			t.Errorf("first request for %s should be allowed", id)
		}
	}
}

func TestAllow_WindowExpiry(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}
	id := uuid.New().String()

	if !l.Allow(ctx, id, rule) {
		t.Fatal("first request should be allowed")
	}
	if l.Allow(ctx, id, rule) {
		t.Fatal("second request in window should be denied")
	}

	time.Sleep(1100 * time.Millisecond)

	if !l.Allow(ctx, id, rule) {
		t.Error("request after window expiry should be allowed")
	}
}

func TestRetryAfter(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 30 * time.Second}
	id := uuid.New().String()

	// No window yet.
	if got := l.RetryAfter(ctx, id, rule); got != 0 {
		t.Errorf("expected 0 before any request, got %d", got)
	}

	l.Allow(ctx, id, rule)

	got := l.RetryAfter(ctx, id, rule)
	if got < 1 || got > 30 {
		t.Errorf("expected retry-after within (0, 30], got %d", got)
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *Limiter
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if !l.Allow(ctx, "anyone", RuleConnect) {
			t.Fatal("nil limiter must always allow")
		}
	}
	if got := l.RetryAfter(ctx, "anyone", RuleConnect); got != 0 {
		t.Errorf("nil limiter RetryAfter should be 0, got %d", got)
	}
}
