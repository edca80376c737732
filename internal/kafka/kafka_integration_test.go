//go:build integration

package kafka_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/kafka"
)

var testKafkaBrokers []string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	ctr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start kafka container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	brokers, err := ctr.Brokers(ctx)
	if err != nil {
		log.Fatalf("kafka brokers: %v", err)
	}
	testKafkaBrokers = brokers
	return m.Run()
}

// createTopic creates topic up front; the first publish can otherwise race
// auto-creation and fail with UNKNOWN_TOPIC_OR_PARTITION.
func createTopic(t *testing.T, topic string) {
	t.Helper()
	conn, err := kafkago.DialContext(context.Background(), "tcp", testKafkaBrokers[0])
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

func uniqueTopic(base string) string {
	return fmt.Sprintf("%s-%d", base, time.Now().UnixNano())
}

func TestKafka_TransitionEventRoundTrip(t *testing.T) {
	topic := uniqueTopic("transitions")
	createTopic(t, topic)

	producer := kafka.NewProducer(testKafkaBrokers, "test")
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx := context.Background()
	event := kafka.TransitionEvent{
		CaseID:     "case-1",
		Category:   domain.CategoryFiscal,
		From:       domain.StatePending,
		To:         domain.StateInProgress,
		OccurredAt: time.Now().UTC(),
	}
	require.NoError(t, kafka.PublishJSON(ctx, producer, topic, event.CaseID, kafka.EventTransitioned, event))

	consumer := kafka.NewConsumer(testKafkaBrokers, topic, uniqueTopic("group"), slog.Default())
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	received := make(chan kafka.Message, 1)
	consumerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	go func() {
		consumer.Subscribe(consumerCtx, func(_ context.Context, m kafka.Message) error { //nolint:errcheck
			received <- m
			cancel()
			return nil
		})
	}()

	select {
	case msg := <-received:
		var got kafka.TransitionEvent
		require.NoError(t, json.Unmarshal(msg.Value, &got))
		assert.Equal(t, "case-1", got.CaseID)
		assert.Equal(t, domain.StateInProgress, got.To)
		assert.Equal(t, kafka.EventTransitioned, msg.Header(kafka.HeaderEventType))
		assert.Equal(t, "test", msg.Header(kafka.HeaderSource))
	case <-consumerCtx.Done():
		t.Fatal("timed out waiting for Kafka message")
	}
}

type recordingCreator struct{ created chan *domain.Task }

func (c recordingCreator) CreateTask(_ context.Context, task *domain.Task) (*domain.Task, error) {
	c.created <- task
	return task, nil
}

func TestKafka_IntakeCreatesCases(t *testing.T) {
	topic := uniqueTopic("requests")
	createTopic(t, topic)

	producer := kafka.NewProducer(testKafkaBrokers, "test")
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, producer.Publish(ctx, topic, "u1", []byte(`{"user_id":"u1","category":"mobility"}`)))

	creator := recordingCreator{created: make(chan *domain.Task, 1)}
	consumer := kafka.NewConsumer(testKafkaBrokers, topic, uniqueTopic("intake"), slog.Default())
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck
	intake := kafka.NewIntake(consumer, nil, creator, slog.Default())
	go intake.Run(ctx) //nolint:errcheck

	select {
	case task := <-creator.created:
		assert.Equal(t, "u1", task.UserID)
		assert.Equal(t, domain.CategoryMobility, task.Category)
	case <-ctx.Done():
		t.Fatal("timed out waiting for intake")
	}
}
