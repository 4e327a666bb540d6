// Package kafka wraps segmentio/kafka-go for the fact consumers and the outcome producer.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jmehdipour/cart-recovery/internal/config"
)

type Message = kafka.Message

// ReaderConfig describes one consumer-group subscription.
type ReaderConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int
	MaxBytes       int
	CommitInterval time.Duration
	MaxWait        time.Duration
}

// ConfigFor builds the reader config for one topic from the shared kafka section.
// Every fact topic is read by the same consumer group.
func ConfigFor(c config.KafkaConfig, topic string) ReaderConfig {
	return ReaderConfig{
		Brokers:        c.Brokers,
		Topic:          topic,
		GroupID:        c.GroupID,
		MinBytes:       c.MinBytes,
		MaxBytes:       c.MaxBytes,
		CommitInterval: time.Duration(c.CommitInterval) * time.Millisecond,
	}
}

func (c ReaderConfig) reader() kafka.ReaderConfig {
	rc := kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       c.MinBytes,
		MaxBytes:       c.MaxBytes,
		CommitInterval: c.CommitInterval,
		MaxWait:        c.MaxWait,
		// a new group starts from the oldest retained fact so nothing published before the
		// first deploy is lost
		StartOffset: kafka.FirstOffset,
	}
	if rc.MinBytes <= 0 {
		rc.MinBytes = 1 << 10
	}
	if rc.MaxBytes <= 0 {
		rc.MaxBytes = 10 << 20
	}
	if rc.CommitInterval <= 0 {
		rc.CommitInterval = time.Second
	}
	if rc.MaxWait <= 0 {
		rc.MaxWait = 250 * time.Millisecond
	}
	return rc
}

// Consumer reads one topic with explicit commits; a message is committed only after its
// fact was handled or deliberately skipped.
type Consumer struct {
	r     *kafka.Reader
	topic string
}

func NewConsumerFromConfig(c ReaderConfig) *Consumer {
	return &Consumer{r: kafka.NewReader(c.reader()), topic: c.Topic}
}

func (c *Consumer) Topic() string { return c.topic }

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, m Message) error {
	return c.r.CommitMessages(ctx, m)
}

func (c *Consumer) Close() error { return c.r.Close() }
