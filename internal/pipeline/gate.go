package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate admits at most capacity generations onto the accelerator at once.
type Gate struct {
	sem     *semaphore.Weighted
	running atomic.Int64
	waiting atomic.Int64
}

func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(capacity))}
}

// Acquire blocks until a slot is free or ctx is done. The returned func
// releases the slot and must be called exactly once.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return nil, err
	}
	g.running.Add(1)

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			g.running.Add(-1)
			g.sem.Release(1)
		}
	}, nil
}

// QueueLength is the number of generations running or waiting.
func (g *Gate) QueueLength() int {
	return int(g.running.Load() + g.waiting.Load())
}
