// Package ingest consumes storefront and provider facts from Kafka and hands them to the
// cart lifecycle and delivery-status services.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/cart"
	"github.com/jmehdipour/cart-recovery/internal/config"
	"github.com/jmehdipour/cart-recovery/internal/kafka"
	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmehdipour/cart-recovery/internal/status"
)

// ErrPoison marks a message that can never be processed.
var ErrPoison = errors.New("ingest: poison message")

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

// Source is one topic reader.
type Source interface {
	Topic() string
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
	Close() error
}

type Carts interface {
	ProcessAbandonedCart(ctx context.Context, f model.NewCartFact) (cart.Result, error)
	HandleOrderCreated(ctx context.Context, f model.OrderCreatedFact) (int, error)
}

type Statuses interface {
	Apply(ctx context.Context, f model.DeliveryStatusFact) (status.Result, error)
}

type handlerFunc func(ctx context.Context, value []byte) error

type Ingester struct {
	sources  []Source
	handlers map[string]handlerFunc
	workers  int
	backoff  time.Duration
	log      *zap.Logger
}

// New routes each configured topic to its handler. workers bounds in-flight messages per topic.
func New(sources []Source, topics config.KafkaTopics, carts Carts, statuses Statuses, workers int, log *zap.Logger) *Ingester {
	if workers <= 0 {
		workers = 8
	}
	i := &Ingester{
		sources:  sources,
		handlers: map[string]handlerFunc{},
		workers:  workers,
		backoff:  retryBackoff,
		log:      log,
	}

	i.handlers[topics.Carts] = func(ctx context.Context, v []byte) error {
		var f model.NewCartFact
		if err := decode(v, &f); err != nil {
			return err
		}
		res, err := carts.ProcessAbandonedCart(ctx, f)
		if errors.Is(err, cart.ErrInvalidFact) {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		if err == nil && !res.Created {
			i.log.Debug("duplicate cart fact", zap.String("cart_id", res.Cart.ID))
		}
		return err
	}
	i.handlers[topics.Orders] = func(ctx context.Context, v []byte) error {
		var f model.OrderCreatedFact
		if err := decode(v, &f); err != nil {
			return err
		}
		_, err := carts.HandleOrderCreated(ctx, f)
		if errors.Is(err, cart.ErrInvalidFact) {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		return err
	}
	i.handlers[topics.Statuses] = func(ctx context.Context, v []byte) error {
		var f model.DeliveryStatusFact
		if err := decode(v, &f); err != nil {
			return err
		}
		_, err := statuses.Apply(ctx, f)
		if errors.Is(err, status.ErrInvalidReport) || errors.Is(err, status.ErrUnknownMessage) {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		return err
	}

	return i
}

func decode(v []byte, out any) error {
	if err := json.Unmarshal(v, out); err != nil {
		return fmt.Errorf("%w: %v", ErrPoison, err)
	}
	return nil
}

// Run reads every source concurrently and blocks until ctx is cancelled and in-flight
// messages are done.
func (i *Ingester) Run(ctx context.Context) error {
	var wg conc.WaitGroup
	for _, src := range i.sources {
		src := src // per-iteration copy; go.mod targets go1.21 loop semantics
		h, ok := i.handlers[src.Topic()]
		if !ok {
			return fmt.Errorf("ingest: no handler for topic %q", src.Topic())
		}
		wg.Go(func() { i.consume(ctx, src, h) })
	}
	wg.Wait()
	return nil
}

// Close closes every source.
func (i *Ingester) Close() error {
	var errs []error
	for _, src := range i.sources {
		errs = append(errs, src.Close())
	}
	return errors.Join(errs...)
}

func (i *Ingester) consume(ctx context.Context, src Source, h handlerFunc) {
	p := pool.New().WithMaxGoroutines(i.workers)
	defer p.Wait()

	for {
		m, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			i.log.Warn("kafka fetch", zap.String("topic", src.Topic()), zap.Error(err))
			if !sleep(ctx, 200*time.Millisecond) {
				return
			}
			continue
		}
		p.Go(func() { i.processOne(ctx, src, h, m) })
	}
}

// processOne handles one message. Poison messages are committed and skipped; other failures
// are retried a few times and then committed so the partition keeps moving.
func (i *Ingester) processOne(ctx context.Context, src Source, h handlerFunc, m kafka.Message) {
	lg := i.log.With(zap.String("topic", src.Topic()), zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = h(ctx, m.Value)
		if err == nil || errors.Is(err, ErrPoison) {
			break
		}
		lg.Warn("fact handling failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < maxAttempts && !sleep(ctx, i.backoff*time.Duration(attempt)) {
			return
		}
	}

	switch {
	case errors.Is(err, ErrPoison):
		lg.Warn("poison message skipped", zap.Error(err))
	case err != nil:
		lg.Error("fact dropped after retries", zap.Error(err))
	}

	if cerr := src.Commit(ctx, m); cerr != nil {
		lg.Error("kafka commit", zap.Error(cerr))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
