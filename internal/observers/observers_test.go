package observers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/kafka"
	"github.com/ramiqadoumi/go-case-flow/internal/observers"
	"github.com/ramiqadoumi/go-case-flow/internal/postgres"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeStore struct {
	saved []domain.Snapshot
	err   error
}

func (s *fakeStore) Save(_ context.Context, snap domain.Snapshot) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, snap)
	return nil
}
func (s *fakeStore) Get(context.Context, string) (domain.Snapshot, error) {
	return domain.Snapshot{}, nil
}
func (s *fakeStore) GetState(context.Context, string) (domain.State, error) {
	return "", nil
}
func (s *fakeStore) UserCases(context.Context, string) ([]string, error) {
	return nil, nil
}
func (s *fakeStore) Delete(context.Context, string, string) error {
	return nil
}

type fakeRepo struct {
	transitions []*postgres.Transition
}

func (r *fakeRepo) SaveTransition(_ context.Context, _ domain.Snapshot, tr *postgres.Transition) error {
	r.transitions = append(r.transitions, tr)
	return nil
}
func (r *fakeRepo) GetByID(context.Context, string) (domain.Snapshot, error) {
	return domain.Snapshot{}, nil
}
func (r *fakeRepo) ListByUser(context.Context, string, *domain.State, int) ([]domain.Snapshot, error) {
	return nil, nil
}
func (r *fakeRepo) History(context.Context, string) ([]postgres.Transition, error) {
	return nil, nil
}

type fakeProducer struct {
	topic string
	key   string
	value []byte
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte, _ ...segkafka.Header) error {
	p.topic, p.key, p.value = topic, key, value
	return nil
}
func (p *fakeProducer) Close() error { return nil }

// ── tests ────────────────────────────────────────────────────────────────────

func TestObservers_RecordEveryTransition(t *testing.T) {
	store := &fakeStore{}
	repo := &fakeRepo{}
	producer := &fakeProducer{}
	m := domain.NewStateMachine(
		domain.WithObserver(observers.Metrics()),
		domain.WithObserver(observers.Snapshot(store)),
		domain.WithObserver(observers.Audit(repo)),
		domain.WithObserver(observers.Events(producer, kafka.TopicTransitions)),
	)

	task := domain.NewTask("u1", domain.CategoryFiscal)
	_, err := m.Transition(context.Background(), task, domain.StatePending, domain.TransitionContext{"actor": "orchestrator"})
	require.NoError(t, err)

	require.Len(t, store.saved, 1)
	assert.Equal(t, domain.StatePending, store.saved[0].State)

	require.Len(t, repo.transitions, 1)
	assert.Equal(t, domain.StateCreated, repo.transitions[0].From)
	assert.Equal(t, domain.StatePending, repo.transitions[0].To)
	assert.Equal(t, "orchestrator", repo.transitions[0].TransitionedBy)

	assert.Equal(t, kafka.TopicTransitions, producer.topic)
	assert.Equal(t, task.ID, producer.key)
	var event kafka.TransitionEvent
	require.NoError(t, json.Unmarshal(producer.value, &event))
	assert.Equal(t, domain.StatePending, event.To)
	assert.Equal(t, "orchestrator", event.Context["actor"])
}

func TestObservers_BackendErrorDoesNotBlockTransition(t *testing.T) {
	m := domain.NewStateMachine(domain.WithObserver(observers.Snapshot(&fakeStore{err: errors.New("redis down")})))

	task := domain.NewTask("u1", domain.CategoryHealth)
	_, err := m.Transition(context.Background(), task, domain.StatePending, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, task.State())
}

func TestObservers_CancelledContextStillRecorded(t *testing.T) {
	store := &fakeStore{}
	m := domain.NewStateMachine(domain.WithObserver(observers.Snapshot(store)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task := domain.NewTask("u1", domain.CategoryHealth)
	_, err := m.Transition(ctx, task, domain.StatePending, nil)
	require.NoError(t, err)
	assert.Len(t, store.saved, 1)
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	m := domain.NewStateMachine(domain.WithObserver(observers.Log(logger)))

	task := domain.NewTask("u1", domain.CategoryMobility)
	_, err := m.Transition(context.Background(), task, domain.StatePending, domain.TransitionContext{"actor": "api"})
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "case transitioned", line["msg"])
	assert.Equal(t, "CREATED", line["from"])
	assert.Equal(t, "PENDING", line["to"])
	assert.Equal(t, "api", line["actor"])
}
