package cache

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	// RateLimitPrefix is the key prefix for sliding-window counters
	RateLimitPrefix = "ratelimit:"

	// redisLimiterTimeout bounds one limiter round trip so a slow Redis never stalls a request
	redisLimiterTimeout = 250 * time.Millisecond

	localSweepInterval = 5 * time.Minute
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int64         // requests seen in the current window, this one included
	RetryAfter time.Duration // set when Allowed is false
}

// Limiter counts requests per key over a fixed window.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
	Close()
}

// RedisRateLimiter is a sliding-window limiter on Redis Sorted Sets, shared by every instance.
// Each request is a member scored by its arrival time in milliseconds.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisRateLimiter creates a limiter allowing limit requests per window and key.
func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisRateLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

func rateLimitKey(key string) string {
	return RateLimitPrefix + key
}

// Allow records the request and reports whether it fits in the window.
// Pipeline: ZREMRANGEBYSCORE (drop old) + ZADD (this request) + ZCARD + ZRANGE oldest + PEXPIRE.
// When Redis fails the request is allowed.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string) Decision {
	if l.limit <= 0 {
		return Decision{Allowed: true}
	}
	ctx, cancel := context.WithTimeout(ctx, redisLimiterTimeout)
	defer cancel()

	redisKey := rateLimitKey(key)
	now := l.now()
	nowMs := now.UnixMilli()
	windowStart := nowMs - l.window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(nowMs), Member: member})
	card := pipe.ZCard(ctx, redisKey)
	oldest := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, l.window)

	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("rate limiter unavailable, allowing request", "component", "ratelimit", "key", key, "error", err)
		return Decision{Allowed: true}
	}

	count := card.Val()
	if count <= l.limit {
		return Decision{Allowed: true, Count: count}
	}

	// Rejected requests do not hold a slot.
	if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
		slog.Warn("rate limiter cleanup failed", "component", "ratelimit", "key", key, "error", err)
	}

	retryAfter := l.window
	if zs := oldest.Val(); len(zs) > 0 {
		retryAfter = time.Duration(int64(zs[0].Score)+l.window.Milliseconds()-nowMs) * time.Millisecond
	}
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return Decision{Allowed: false, Count: count - 1, RetryAfter: retryAfter}
}

// Close is a no-op; the Redis client is owned by the caller.
func (l *RedisRateLimiter) Close() {}

// LocalRateLimiter is the process-local fallback: a token bucket per key.
// With several instances each one enforces its own budget.
type LocalRateLimiter struct {
	limiters sync.Map // key -> *localEntry
	r        rate.Limit
	burst    int
	interval time.Duration

	stop chan struct{}
	once sync.Once
}

type localEntry struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalRateLimiter allows a burst of limit requests, refilled over window.
func NewLocalRateLimiter(limit int, window time.Duration) *LocalRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &LocalRateLimiter{burst: limit, stop: make(chan struct{})}
	if limit > 0 {
		l.interval = window / time.Duration(limit)
		l.r = rate.Every(l.interval)
	}
	go l.sweepLoop()
	return l
}

func (l *LocalRateLimiter) Allow(_ context.Context, key string) Decision {
	if l.r == 0 {
		return Decision{Allowed: true}
	}
	entry := l.entry(key)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.lastSeen = time.Now()
	if entry.limiter.Allow() {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, RetryAfter: l.interval}
}

func (l *LocalRateLimiter) entry(key string) *localEntry {
	if v, ok := l.limiters.Load(key); ok {
		return v.(*localEntry)
	}
	fresh := &localEntry{limiter: rate.NewLimiter(l.r, l.burst), lastSeen: time.Now()}
	actual, _ := l.limiters.LoadOrStore(key, fresh)
	return actual.(*localEntry)
}

func (l *LocalRateLimiter) sweepLoop() {
	ticker := time.NewTicker(localSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep(time.Now().Add(-2 * localSweepInterval))
		case <-l.stop:
			return
		}
	}
}

func (l *LocalRateLimiter) sweep(cutoff time.Time) {
	l.limiters.Range(func(key, value any) bool {
		entry := value.(*localEntry)
		entry.mu.Lock()
		stale := entry.lastSeen.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			l.limiters.Delete(key)
		}
		return true
	})
}

// Close stops the background sweep.
func (l *LocalRateLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}
