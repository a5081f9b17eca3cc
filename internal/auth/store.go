package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultCacheTTL = 5 * time.Minute
	redisKeyPrefix  = "meshforge:key:"
)

// KeyStore looks up API key metadata by hash. A nil result with a nil
// error means the key is unknown, revoked or expired.
type KeyStore interface {
	Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error)
}

// Querier is the subset of *pgxpool.Pool used by CachedKeyStore.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CachedKeyStore implements KeyStore with PostgreSQL + Redis cache.
type CachedKeyStore struct {
	db     Querier
	redis  redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedKeyStore returns a store reading db through an optional Redis cache.
func NewCachedKeyStore(db Querier, rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *CachedKeyStore {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedKeyStore{db: db, redis: rdb, ttl: ttl, logger: logger}
}

func (s *CachedKeyStore) Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, redisKeyPrefix+keyHash).Bytes()
		if err == nil {
			var meta KeyMetadata
			if err := json.Unmarshal(cached, &meta); err == nil && time.Now().Before(meta.ExpiresAt) {
				return &meta, nil
			}
		}
	}

	meta, err := s.lookupDB(ctx, keyHash)
	if err != nil || meta == nil {
		return nil, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(meta); err == nil {
			if err := s.redis.Set(ctx, redisKeyPrefix+keyHash, data, s.ttl).Err(); err != nil {
				s.logger.Debug("cache api key", zap.Error(err))
			}
		}
	}
	return meta, nil
}

func (s *CachedKeyStore) lookupDB(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	var meta KeyMetadata
	var owner *string

	err := s.db.QueryRow(ctx, `
		SELECT id, name, owner, rpm_limit, daily_generation_limit, expires_at
		FROM api_keys
		WHERE key_hash = $1
		  AND status = 'active'
		  AND expires_at > NOW()
	`, keyHash).Scan(
		&meta.ID,
		&meta.Name,
		&owner,
		&meta.RPMLimit,
		&meta.DailyGenerationLimit,
		&meta.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query api_keys: %w", err)
	}
	if owner != nil {
		meta.Owner = *owner
	}

	// last_used_at is best effort
	go func(id string) {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := s.db.Exec(bgCtx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id); err != nil {
			s.logger.Debug("update last_used_at", zap.String("key_id", id), zap.Error(err))
		}
	}(meta.ID)

	return &meta, nil
}
