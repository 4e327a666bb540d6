// Package events publishes dispatch outcomes for the analytics pipeline.
package events

import (
	"context"
	"sync"

	"github.com/jmehdipour/cart-recovery/internal/kafka"
	"github.com/jmehdipour/cart-recovery/internal/model"
)

type Publisher interface {
	Publish(ctx context.Context, ev model.OutcomeEvent) error
	Close() error
}

// KafkaPublisher writes outcomes keyed by cart id, so one cart's events stay ordered.
type KafkaPublisher struct {
	p *kafka.Producer
}

func NewKafkaPublisher(p *kafka.Producer) *KafkaPublisher {
	return &KafkaPublisher{p: p}
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev model.OutcomeEvent) error {
	return k.p.WriteJSON(ctx, ev.CartID, ev)
}

func (k *KafkaPublisher) Close() error { return k.p.Close() }

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, model.OutcomeEvent) error { return nil }
func (Nop) Close() error                                      { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []model.OutcomeEvent
}

func (r *Recorder) Publish(_ context.Context, ev model.OutcomeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []model.OutcomeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.OutcomeEvent(nil), r.events...)
}

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = Nop{}
	_ Publisher = (*Recorder)(nil)
)
