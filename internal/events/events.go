// Package events fans pipeline stage events out over Redis pub/sub and
// streams them to websocket clients.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/types"
)

const channelPrefix = "meshforge:events:"

// Channel is the pub/sub channel carrying events for uid.
func Channel(uid string) string {
	return channelPrefix + uid
}

// Publisher publishes stage events to Redis.
type Publisher struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

func NewPublisher(rdb redis.UniversalClient, logger *zap.Logger) *Publisher {
	return &Publisher{rdb: rdb, logger: logger}
}

// Emit publishes ev. Failures are logged and never reach the pipeline.
func (p *Publisher) Emit(ctx context.Context, ev types.StageEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("marshal stage event", zap.Error(err))
		return
	}
	if err := p.rdb.Publish(ctx, Channel(ev.UID), data).Err(); err != nil {
		p.logger.Warn("publish stage event",
			zap.String("uid", ev.UID),
			zap.String("stage", ev.Stage),
			zap.Error(err),
		)
	}
}

// Subscription receives the events of one uid.
type Subscription struct {
	ps *redis.PubSub
}

// Subscribe returns once the subscription is active, so no event published
// afterwards is missed.
func (p *Publisher) Subscribe(ctx context.Context, uid string) (*Subscription, error) {
	ps := p.rdb.Subscribe(ctx, Channel(uid))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(uid), err)
	}
	return &Subscription{ps: ps}, nil
}

// Next blocks until the next event or ctx is done.
func (s *Subscription) Next(ctx context.Context) (types.StageEvent, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return types.StageEvent{}, err
	}
	var ev types.StageEvent
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		return types.StageEvent{}, fmt.Errorf("decode stage event: %w", err)
	}
	return ev, nil
}

func (s *Subscription) Close() error {
	return s.ps.Close()
}
