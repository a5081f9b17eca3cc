package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// QuotaResult is the outcome of a daily generation quota check.
type QuotaResult struct {
	Allowed bool
	Used    int64
	Limit   int64
}

// GenerationQuota counts generations per key per UTC day.
type GenerationQuota struct {
	rdb redis.UniversalClient
	now func() time.Time

	mu    sync.Mutex
	local map[string]int64
}

// NewGenerationQuota creates a quota tracker. If rdb is nil, counts are kept in process.
func NewGenerationQuota(rdb redis.UniversalClient) *GenerationQuota {
	return &GenerationQuota{rdb: rdb, now: time.Now, local: make(map[string]int64)}
}

func (q *GenerationQuota) dailyKey(keyID string) string {
	day := q.now().UTC().Format("2006-01-02")
	return fmt.Sprintf("meshforge:quota:daily:%s:%s", keyID, day)
}

// Check reports whether keyID may start another generation today.
func (q *GenerationQuota) Check(ctx context.Context, keyID string, limit int64) (QuotaResult, error) {
	key := q.dailyKey(keyID)
	if q.rdb == nil {
		q.mu.Lock()
		used := q.local[key]
		q.mu.Unlock()
		return QuotaResult{Allowed: used < limit, Used: used, Limit: limit}, nil
	}

	used, err := q.rdb.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		// Fail open on Redis errors
		return QuotaResult{Allowed: true, Limit: limit}, fmt.Errorf("read quota: %w", err)
	}
	return QuotaResult{Allowed: used < limit, Used: used, Limit: limit}, nil
}

// Record counts one generation for keyID.
func (q *GenerationQuota) Record(ctx context.Context, keyID string) error {
	key := q.dailyKey(keyID)
	if q.rdb == nil {
		q.mu.Lock()
		q.local[key]++
		q.mu.Unlock()
		return nil
	}

	pipe := q.rdb.Pipeline()
	pipe.Incr(ctx, key)
	// Expire at end of day UTC + 1 hour buffer
	now := q.now().UTC()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	pipe.Expire(ctx, key, endOfDay.Sub(now)+time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}
