package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/af-corp/meshforge/internal/pipeline"
	"github.com/af-corp/meshforge/internal/types"
)

const errorBackoff = time.Second

// Generator runs one generation.
type Generator interface {
	Generate(ctx context.Context, uid string, req types.GenerationRequest) (*types.GenerationResult, error)
}

// Ledger records job state transitions outside Redis.
type Ledger interface {
	Upsert(ctx context.Context, job *types.Job) error
}

// Consumer pops jobs from the pending list and runs them.
type Consumer struct {
	store       *Store
	gen         Generator
	ledger      Ledger
	logger      *zap.Logger
	workers     int
	pollTimeout time.Duration
}

// NewConsumer returns a Consumer running workers loops. ledger may be nil.
func NewConsumer(store *Store, gen Generator, ledger Ledger, workers int, pollTimeout time.Duration, logger *zap.Logger) *Consumer {
	if workers < 1 {
		workers = 1
	}
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &Consumer{
		store:       store,
		gen:         gen,
		ledger:      ledger,
		logger:      logger,
		workers:     workers,
		pollTimeout: pollTimeout,
	}
}

// Run consumes until ctx is cancelled. A job already picked up runs to
// completion after cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		logger := c.logger.With(zap.Int("consumer", i))
		g.Go(func() error {
			c.loop(ctx, logger)
			return nil
		})
	}
	return g.Wait()
}

func (c *Consumer) loop(ctx context.Context, logger *zap.Logger) {
	logger.Info("queue consumer started", zap.String("list", ListKey))
	for {
		if ctx.Err() != nil {
			logger.Info("queue consumer stopped")
			return
		}
		id, err := c.store.Next(ctx, c.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error("pop job", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(errorBackoff):
			}
			continue
		}
		if id == "" {
			continue
		}
		c.Process(context.WithoutCancel(ctx), id)
	}
}

// Process runs the job with the given id and stores its outcome.
func (c *Consumer) Process(ctx context.Context, id string) {
	logger := c.logger.With(zap.String("job_id", id))

	job, err := c.store.Get(ctx, id)
	if err != nil {
		logger.Error("load job", zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		logger.Warn("job already finished", zap.String("status", string(job.Status)))
		return
	}

	job.Status = types.JobInProgress
	c.save(ctx, logger, job)

	started := time.Now()
	req, err := types.ParseGenerationRequest(job.Input)
	var res *types.GenerationResult
	if err == nil {
		res, err = c.gen.Generate(ctx, job.ID, req)
	}

	switch {
	case err == nil:
		job.Status = types.JobCompleted
		job.Output = res
	case errors.Is(err, types.ErrNoImage):
		job.Status = types.JobFailed
		job.Error = types.ErrNoImage.Error()
	default:
		var fe *types.FieldError
		job.Status = types.JobFailed
		if errors.As(err, &fe) {
			job.Error = fe.Error()
		} else {
			job.Error = pipeline.ErrorMessage(err)
		}
	}
	// the request payload is not kept once the job has run
	job.Input = nil
	c.save(ctx, logger, job)

	logger.Info("job finished",
		zap.String("status", string(job.Status)),
		zap.Int64("duration_ms", time.Since(started).Milliseconds()),
	)
}

func (c *Consumer) save(ctx context.Context, logger *zap.Logger, job *types.Job) {
	if err := c.store.Save(ctx, job); err != nil {
		logger.Error("save job", zap.Error(err))
	}
	if c.ledger != nil {
		if err := c.ledger.Upsert(ctx, job); err != nil {
			logger.Warn("record job in ledger", zap.Error(err))
		}
	}
}
