// Package queue stores asynchronous generation jobs in Redis and runs the
// consumers that execute them.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/meshforge/internal/types"
)

const (
	ListKey      = "meshforge:jobs"
	jobKeyPrefix = "meshforge:job:"

	DefaultResultTTL = 24 * time.Hour
)

// ErrJobNotFound is returned for unknown or expired job ids.
var ErrJobNotFound = errors.New("job not found")

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// Store keeps job records and the pending list.
type Store struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

func NewStore(rdb redis.UniversalClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &Store{rdb: rdb, ttl: ttl, now: time.Now}
}

// Submit records a new job and appends it to the pending list.
func (s *Store) Submit(ctx context.Context, keyID string, input map[string]any) (*types.Job, error) {
	now := s.now().UTC()
	job := &types.Job{
		ID:          uuid.NewString(),
		Status:      types.JobInQueue,
		KeyID:       keyID,
		Input:       input,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), data, s.ttl)
		pipe.LPush(ctx, ListKey, job.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// Get loads a job record.
func (s *Store) Get(ctx context.Context, id string) (*types.Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job types.Job
	// keep input numbers exact; seeds may exceed float64 precision
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Save overwrites a job record and refreshes its TTL.
func (s *Store) Save(ctx context.Context, job *types.Job) error {
	job.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.rdb.Set(ctx, jobKey(job.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Pending returns the number of jobs waiting to be picked up.
func (s *Store) Pending(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, ListKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// Next blocks up to timeout for the oldest pending job id. It returns ""
// when the timeout elapses with nothing queued.
func (s *Store) Next(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := s.rdb.BRPop(ctx, timeout, ListKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// res[0] is the list key
	return res[1], nil
}
