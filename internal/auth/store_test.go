package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeQuerier struct {
	queries atomic.Int64
	meta    *KeyMetadata
	err     error
}

func (q *fakeQuerier) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	q.queries.Add(1)
	return fakeRow{scan: func(dest ...any) error {
		if q.err != nil {
			return q.err
		}
		if q.meta == nil {
			return pgx.ErrNoRows
		}
		*dest[0].(*string) = q.meta.ID
		*dest[1].(*string) = q.meta.Name
		owner := q.meta.Owner
		*dest[2].(**string) = &owner
		*dest[3].(**int) = q.meta.RPMLimit
		*dest[4].(**int) = q.meta.DailyGenerationLimit
		*dest[5].(*time.Time) = q.meta.ExpiresAt
		return nil
	}}
}

func (q *fakeQuerier) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func TestCachedKeyStore_CachesDatabaseHit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	daily := 50
	q := &fakeQuerier{meta: &KeyMetadata{
		ID: "k1", Name: "ci", Owner: "team", DailyGenerationLimit: &daily,
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	s := NewCachedKeyStore(q, rdb, time.Minute, zap.NewNop())

	meta, err := s.Lookup(context.Background(), "hash-1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "team", meta.Owner)
	assert.Equal(t, 50, *meta.DailyGenerationLimit)
	assert.True(t, mr.Exists(redisKeyPrefix+"hash-1"))
	assert.Equal(t, time.Minute, mr.TTL(redisKeyPrefix+"hash-1"))

	meta, err = s.Lookup(context.Background(), "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "k1", meta.ID)
	assert.EqualValues(t, 1, q.queries.Load(), "second lookup is served from cache")
}

func TestCachedKeyStore_IgnoresExpiredCacheEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	stale, _ := json.Marshal(KeyMetadata{ID: "old", ExpiresAt: time.Now().Add(-time.Hour)})
	require.NoError(t, mr.Set(redisKeyPrefix+"h", string(stale)))

	q := &fakeQuerier{}
	s := NewCachedKeyStore(q, rdb, 0, zap.NewNop())
	meta, err := s.Lookup(context.Background(), "h")
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.EqualValues(t, 1, q.queries.Load())
}

func TestCachedKeyStore_WithoutRedis(t *testing.T) {
	q := &fakeQuerier{err: errors.New("connection refused")}
	s := NewCachedKeyStore(q, nil, 0, zap.NewNop())
	_, err := s.Lookup(context.Background(), "h")
	assert.ErrorContains(t, err, "query api_keys")
}
