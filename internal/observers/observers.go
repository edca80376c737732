// Package observers holds the post-transition hooks registered on the state
// machine: logging, metrics, the Redis snapshot, the Postgres audit trail
// and Kafka events.
package observers

import (
	"context"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/kafka"
	"github.com/ramiqadoumi/go-case-flow/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-case-flow/internal/redis"
	"github.com/ramiqadoumi/go-case-flow/pkg/telemetry"
)

// writeTimeout bounds each backend write made by an observer.
const writeTimeout = 5 * time.Second

// detach gives an observer its own deadline. Transitions made while a
// handler is being cancelled must still be recorded.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

// Log writes one structured line per transition.
func Log(logger *slog.Logger) domain.Observer {
	return domain.ObserverFunc(func(_ context.Context, task *domain.Task, from, to domain.State, tctx domain.TransitionContext) error {
		attrs := []any{
			slog.String("task_id", task.ID),
			slog.String("category", string(task.Category)),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		}
		if a, ok := tctx["actor"].(string); ok {
			attrs = append(attrs, slog.String("actor", a))
		}
		if to == domain.StateFailed {
			attrs = append(attrs, slog.String("error", task.ErrorMessage()))
			logger.Warn("case transitioned", attrs...)
			return nil
		}
		logger.Info("case transitioned", attrs...)
		return nil
	})
}

// Metrics counts transitions.
func Metrics() domain.Observer {
	return domain.ObserverFunc(func(_ context.Context, task *domain.Task, from, to domain.State, _ domain.TransitionContext) error {
		telemetry.Transitions.WithLabelValues(string(task.Category), string(from), string(to)).Inc()
		return nil
	})
}

// Snapshot stores the latest view of the case in Redis.
func Snapshot(store redisstore.SnapshotStore) domain.Observer {
	return domain.ObserverFunc(func(ctx context.Context, task *domain.Task, _, _ domain.State, _ domain.TransitionContext) error {
		ctx, cancel := detach(ctx)
		defer cancel()
		return store.Save(ctx, task.Snapshot())
	})
}

// Audit appends the transition to the Postgres audit trail.
func Audit(repo postgres.CaseRepository) domain.Observer {
	return domain.ObserverFunc(func(ctx context.Context, task *domain.Task, from, to domain.State, tctx domain.TransitionContext) error {
		ctx, cancel := detach(ctx)
		defer cancel()
		snap := task.Snapshot()
		by, _ := tctx["actor"].(string)
		return repo.SaveTransition(ctx, snap, &postgres.Transition{
			CaseID:         snap.ID,
			From:           from,
			To:             to,
			TransitionedBy: by,
			Context:        tctx,
			TransitionedAt: snap.UpdatedAt,
		})
	})
}

// Events publishes a TransitionEvent keyed by case id.
func Events(producer kafka.Producer, topic string) domain.Observer {
	return domain.ObserverFunc(func(ctx context.Context, task *domain.Task, from, to domain.State, tctx domain.TransitionContext) error {
		ctx, cancel := detach(ctx)
		defer cancel()
		snap := task.Snapshot()
		return kafka.PublishJSON(ctx, producer, topic, snap.ID, kafka.EventTransitioned, kafka.TransitionEvent{
			CaseID:       snap.ID,
			UserID:       snap.UserID,
			Category:     snap.Category,
			From:         from,
			To:           to,
			Priority:     snap.Priority,
			Progress:     snap.Progress,
			ErrorMessage: snap.ErrorMessage,
			Context:      tctx,
			OccurredAt:   snap.UpdatedAt,
		})
	})
}
