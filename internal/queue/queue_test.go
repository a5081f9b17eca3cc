package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/types"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, 0), mr
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls []types.GenerationRequest
	uids  []string
	err   error
}

func (f *fakeGenerator) Generate(_ context.Context, uid string, req types.GenerationRequest) (*types.GenerationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	f.uids = append(f.uids, uid)
	if f.err != nil {
		return nil, f.err
	}
	return &types.GenerationResult{DownloadURL: "https://example/" + uid, Seed: req.Seed, UID: uid}, nil
}

func (f *fakeGenerator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeLedger struct {
	mu       sync.Mutex
	statuses []types.JobStatus
}

func (l *fakeLedger) Upsert(_ context.Context, job *types.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, job.Status)
	return nil
}

func TestStore_SubmitAndGet(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	job, err := s.Submit(ctx, "key-1", map[string]any{"image": "abc", "seed": 42})
	require.NoError(t, err)
	assert.Equal(t, types.JobInQueue, job.Status)
	assert.NotEmpty(t, job.ID)

	assert.Equal(t, DefaultResultTTL, mr.TTL(jobKey(job.ID)))
	n, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "key-1", got.KeyID)
	assert.Equal(t, "abc", got.Input["image"])
	assert.Equal(t, json.Number("42"), got.Input["seed"])
}

func TestStore_GetUnknown(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStore_NextIsFIFO(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	first, err := s.Submit(ctx, "", map[string]any{"image": "a"})
	require.NoError(t, err)
	second, err := s.Submit(ctx, "", map[string]any{"image": "b"})
	require.NoError(t, err)

	id, err := s.Next(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)
	id, err = s.Next(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, id)
}

func TestStore_NextTimesOutEmpty(t *testing.T) {
	s, _ := newStore(t)
	id, err := s.Next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestConsumer_Process(t *testing.T) {
	tests := []struct {
		name      string
		input     map[string]any
		genErr    error
		status    types.JobStatus
		errMsg    string
		generated bool
	}{
		{
			name:      "success",
			input:     map[string]any{"image": "aGk=", "seed": "42"},
			status:    types.JobCompleted,
			generated: true,
		},
		{
			name:   "missing image",
			input:  map[string]any{"seed": 1},
			status: types.JobFailed,
			errMsg: "No image provided",
		},
		{
			name:   "uncoercible field",
			input:  map[string]any{"image": "aGk=", "seed": "forty-two"},
			status: types.JobFailed,
			errMsg: "invalid seed: cannot use forty-two as integer",
		},
		{
			name:      "generation failure",
			input:     map[string]any{"image": "aGk="},
			genErr:    errors.New("shape_generation: CUDA out of memory"),
			status:    types.JobFailed,
			errMsg:    "Generation failed: shape_generation: CUDA out of memory",
			generated: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newStore(t)
			gen := &fakeGenerator{err: tt.genErr}
			ledger := &fakeLedger{}
			c := NewConsumer(s, gen, ledger, 1, time.Second, zap.NewNop())
			ctx := context.Background()

			job, err := s.Submit(ctx, "k", tt.input)
			require.NoError(t, err)
			c.Process(ctx, job.ID)

			got, err := s.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.errMsg, got.Error)
			assert.Nil(t, got.Input)
			assert.Equal(t, []types.JobStatus{types.JobInProgress, tt.status}, ledger.statuses)

			if tt.generated {
				require.Equal(t, 1, gen.count())
				assert.Equal(t, job.ID, gen.uids[0], "job id doubles as the generation uid")
			} else {
				assert.Zero(t, gen.count())
			}
			if tt.status == types.JobCompleted {
				require.NotNil(t, got.Output)
				assert.Equal(t, int64(42), got.Output.Seed)
				view := got.View()
				assert.Equal(t, got.Output, view.Output)
			}
		})
	}
}

func TestConsumer_SkipsFinishedJobs(t *testing.T) {
	s, _ := newStore(t)
	gen := &fakeGenerator{}
	c := NewConsumer(s, gen, nil, 1, time.Second, zap.NewNop())
	ctx := context.Background()

	job, err := s.Submit(ctx, "", map[string]any{"image": "aGk="})
	require.NoError(t, err)
	job.Status = types.JobCompleted
	require.NoError(t, s.Save(ctx, job))

	c.Process(ctx, job.ID)
	assert.Zero(t, gen.count())
}

func TestConsumer_Run(t *testing.T) {
	s, _ := newStore(t)
	gen := &fakeGenerator{}
	c := NewConsumer(s, gen, nil, 2, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	job, err := s.Submit(context.Background(), "", map[string]any{"image": "aGk="})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := s.Get(context.Background(), job.ID)
		return err == nil && got.Status == types.JobCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
