package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/ramiqadoumi/go-case-flow/pkg/retry"
)

// Message wraps a Kafka message with the fields consumers need.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Headers []kafka.Header
	Time    time.Time
}

// Header returns the value of the first header named key, or "".
func (m Message) Header(key string) string {
	c := HeaderCarrier(m.Headers)
	return c.Get(key)
}

// HandlerFunc processes a single Kafka message.
// Return nil to commit the offset. Return an error to leave it uncommitted
// so the message is delivered again.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from a Kafka topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader   *kafka.Reader
	logger   *slog.Logger
	attempts int
	delay    time.Duration
}

// ConsumerOption configures a consumer.
type ConsumerOption func(*consumer)

// WithRedelivery sets how many times a failing message is handed to the
// handler, and the first backoff between tries.
func WithRedelivery(attempts int, baseDelay time.Duration) ConsumerOption {
	return func(c *consumer) { c.attempts, c.delay = attempts, baseDelay }
}

// NewConsumer creates a consumer for topic within groupID.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger, opts ...ConsumerOption) Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	c := &consumer{reader: r, logger: logger, attempts: 5, delay: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe reads messages until ctx is cancelled. A message whose handler
// fails is retried in place with exponential backoff; once the attempts are
// spent it is skipped without committing, so the group replays it after a
// restart or rebalance.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		if err := c.deliver(ctx, m, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("message handler failed, offset not committed",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *consumer) deliver(ctx context.Context, m kafka.Message, handler HandlerFunc) error {
	carrier := HeaderCarrier(m.Headers)
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)
	msg := Message{
		Topic:   m.Topic,
		Key:     m.Key,
		Value:   m.Value,
		Offset:  m.Offset,
		Headers: m.Headers,
		Time:    m.Time,
	}
	return retry.Do(ctx, retry.Config{
		MaxAttempts: c.attempts,
		BaseDelay:   c.delay,
		MaxDelay:    10 * time.Second,
		OnRetry: func(attempt int, err error) {
			c.logger.Warn("message handler failed, retrying",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error { return handler(msgCtx, msg) })
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
