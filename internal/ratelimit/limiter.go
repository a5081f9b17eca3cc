package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// LimitResult is the outcome of a rate limit check.
type LimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter performs sliding-window rate limiting backed by Redis sorted sets.
// Without Redis it limits per process with token buckets.
type Limiter struct {
	rdb   redis.UniversalClient
	local *localLimiter
}

// NewLimiter creates a new rate limiter. If rdb is nil, limits are enforced in process.
func NewLimiter(rdb redis.UniversalClient) *Limiter {
	l := &Limiter{rdb: rdb}
	if rdb == nil {
		l.local = &localLimiter{buckets: make(map[string]*rate.Limiter)}
	}
	return l
}

// slidingWindowScript atomically: removes expired entries, adds current, counts.
// KEYS[1] = sorted set key
// ARGV[1] = window start (unix micro)
// ARGV[2] = now (unix micro), used as both score and member uniqueness
// ARGV[3] = limit
// ARGV[4] = TTL seconds for the key
// Returns: [current_count, 1=allowed/0=denied]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. ':' .. math.random(1000000))
    redis.call('EXPIRE', key, ttl)
    return {count + 1, 1}
end

redis.call('EXPIRE', key, ttl)
return {count, 0}
`)

// Check performs a sliding-window rate limit check.
// key: the rate limit bucket identifier
// limit: maximum allowed requests in the window
// window: the sliding window duration
func (l *Limiter) Check(ctx context.Context, key string, limit int64, window time.Duration) (LimitResult, error) {
	now := time.Now()
	if l.local != nil {
		return l.local.check(key, limit, window, now), nil
	}

	windowStart := now.Add(-window).UnixMicro()
	nowMicro := now.UnixMicro()
	ttlSecs := int64(window.Seconds()) + 1

	redisKey := fmt.Sprintf("meshforge:rl:%s", key)

	result, err := slidingWindowScript.Run(ctx, l.rdb, []string{redisKey},
		windowStart, nowMicro, limit, ttlSecs,
	).Int64Slice()
	if err != nil {
		// Fail open on Redis errors
		return LimitResult{Allowed: true, Remaining: limit, ResetAt: now.Add(window)}, fmt.Errorf("rate limit script: %w", err)
	}

	count := result[0]
	allowed := result[1] == 1
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	var retryAfter time.Duration
	if !allowed {
		retryAfter = window / 2 // conservative estimate
	}

	return LimitResult{
		Allowed:    allowed,
		Remaining:  remaining,
		ResetAt:    now.Add(window),
		RetryAfter: retryAfter,
	}, nil
}

// localLimiter keeps one token bucket per key. A bucket refills limit
// tokens per window and holds at most limit.
type localLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func (l *localLimiter) check(key string, limit int64, window time.Duration, now time.Time) LimitResult {
	if limit <= 0 {
		return LimitResult{Allowed: false, ResetAt: now.Add(window), RetryAfter: window}
	}
	every := rate.Every(window / time.Duration(limit))

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok || b.Burst() != int(limit) || b.Limit() != every {
		b = rate.NewLimiter(every, int(limit))
		l.buckets[key] = b
	}
	l.mu.Unlock()

	r := b.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return LimitResult{Allowed: false, Remaining: 0, ResetAt: now.Add(delay), RetryAfter: delay}
	}
	remaining := int64(b.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return LimitResult{Allowed: true, Remaining: remaining, ResetAt: now.Add(window)}
}
