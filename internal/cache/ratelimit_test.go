package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	// DB 1 keeps tests away from dev data
	opts.DB = 1

	client := redis.NewClient(opts)
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping test: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

// =============================================================================
// LocalRateLimiter
// =============================================================================

func TestLocalRateLimiter_BurstThenReject(t *testing.T) {
	l := NewLocalRateLimiter(3, time.Minute)
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := l.Allow(ctx, "ip:1"); !d.Allowed {
			t.Fatalf("request %d rejected", i+1)
		}
	}
	d := l.Allow(ctx, "ip:1")
	if d.Allowed {
		t.Fatal("fourth request should be rejected")
	}
	if d.RetryAfter != 20*time.Second {
		t.Errorf("RetryAfter = %v, want 20s", d.RetryAfter)
	}

	if d := l.Allow(ctx, "ip:2"); !d.Allowed {
		t.Error("keys must not share a budget")
	}
}

func TestLocalRateLimiter_DisabledAllowsEverything(t *testing.T) {
	l := NewLocalRateLimiter(0, time.Minute)
	defer l.Close()
	for i := 0; i < 100; i++ {
		if !l.Allow(context.Background(), "k").Allowed {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestLocalRateLimiter_SweepDropsIdleKeys(t *testing.T) {
	l := NewLocalRateLimiter(1, time.Minute)
	defer l.Close()
	ctx := context.Background()

	l.Allow(ctx, "k")
	if l.Allow(ctx, "k").Allowed {
		t.Fatal("second request should be rejected")
	}

	l.sweep(time.Now().Add(time.Second))
	if !l.Allow(ctx, "k").Allowed {
		t.Error("a swept key should start with a fresh bucket")
	}
}

// =============================================================================
// RedisRateLimiter (integration)
// =============================================================================

func TestRedisRateLimiter_SlidingWindow(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	l := NewRedisRateLimiter(client, 2, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if d := l.Allow(ctx, "ip:1"); !d.Allowed {
			t.Fatalf("request %d rejected", i+1)
		}
	}

	now = now.Add(10 * time.Second)
	d := l.Allow(ctx, "ip:1")
	if d.Allowed {
		t.Fatal("third request inside the window should be rejected")
	}
	if d.RetryAfter != 50*time.Second {
		t.Errorf("RetryAfter = %v, want 50s", d.RetryAfter)
	}
	if n, _ := client.ZCard(ctx, rateLimitKey("ip:1")).Result(); n != 2 {
		t.Errorf("rejected request kept a slot: size = %d", n)
	}

	now = now.Add(51 * time.Second)
	if d := l.Allow(ctx, "ip:1"); !d.Allowed {
		t.Error("request after the window slid should be allowed")
	}
}

func TestRedisRateLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	defer client.Close()

	l := NewRedisRateLimiter(client, 1, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow(context.Background(), "k").Allowed {
			t.Fatal("limiter must allow requests when Redis is down")
		}
	}
}
