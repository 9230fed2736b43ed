package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/crm-chat-gateway/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRPMLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, _ := newTestRedis(t)

	const limit = 10
	limiter := ratelimit.NewRPMLimiter(rdb, "test", limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "support")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}
}

func TestRPMLimiter_BlocksOverLimit(t *testing.T) {
	rdb, _ := newTestRedis(t)

	const limit = 3
	limiter := ratelimit.NewRPMLimiter(rdb, "test", limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if allowed, err := limiter.Allow(ctx, "sales"); err != nil || !allowed {
			t.Fatalf("iteration %d: allowed=%v err=%v", i, allowed, err)
		}
	}

	allowed, err := limiter.Allow(ctx, "sales")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
}

func TestRPMLimiter_KeysAreIndependent(t *testing.T) {
	rdb, mr := newTestRedis(t)
	limiter := ratelimit.NewRPMLimiter(rdb, "test", 1)
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "sales"); !ok {
		t.Fatal("first sales request blocked")
	}
	if ok, _ := limiter.Allow(ctx, "support"); !ok {
		t.Fatal("support must not share the sales budget")
	}
	if ok, _ := limiter.Allow(ctx, ""); !ok {
		t.Fatal("default key must have its own budget")
	}
	if !mr.Exists("test:ratelimit:rpm:default") {
		t.Fatal("empty key not mapped to the default key")
	}
}

func TestRPMLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, mr := newTestRedis(t)
	// Close Redis before making any calls: the limiter must allow requests.
	mr.Close()

	limiter := ratelimit.NewRPMLimiter(rdb, "test", 5)

	allowed, err := limiter.Allow(context.Background(), "support")
	if err == nil {
		t.Error("expected the Redis error to be reported")
	}
	if !allowed {
		t.Error("expected allowed=true when Redis is unavailable (graceful degradation)")
	}
}

func TestLocalLimiter_BurstThenBlock(t *testing.T) {
	limiter := ratelimit.NewLocalLimiter(60, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow(ctx, "support"); !ok {
			t.Fatalf("request %d within burst blocked", i)
		}
	}
	if ok, _ := limiter.Allow(ctx, "support"); ok {
		t.Fatal("request beyond burst allowed")
	}
	if ok, _ := limiter.Allow(ctx, "sales"); !ok {
		t.Fatal("keys must not share a bucket")
	}
}

func TestLocalLimiter_DefaultBurstIsRPM(t *testing.T) {
	limiter := ratelimit.NewLocalLimiter(5, 0)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 10; i++ {
		if ok, _ := limiter.Allow(ctx, ""); ok {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("allowed = %d, want 5", allowed)
	}
}

func TestLimitersImplementInterface(t *testing.T) {
	var _ ratelimit.Limiter = (*ratelimit.RPMLimiter)(nil)
	var _ ratelimit.Limiter = (*ratelimit.LocalLimiter)(nil)
}
