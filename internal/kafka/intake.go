package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
)

// Creator accepts new cases.
type Creator interface {
	CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, error)
}

// Intake turns case requests read from Kafka into orchestrator cases.
// Requests that can never succeed go to the dead-letter topic; a full queue
// leaves the offset uncommitted.
type Intake struct {
	consumer Consumer
	producer Producer // nil = rejected requests are only logged
	creator  Creator
	validate *validator.Validate
	logger   *slog.Logger
}

// NewIntake wires an Intake.
func NewIntake(consumer Consumer, producer Producer, creator Creator, logger *slog.Logger) *Intake {
	return &Intake{
		consumer: consumer,
		producer: producer,
		creator:  creator,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled.
func (i *Intake) Run(ctx context.Context) error {
	return i.consumer.Subscribe(ctx, i.handle)
}

func (i *Intake) handle(ctx context.Context, msg Message) error {
	ctx, span := otel.Tracer("intake").Start(ctx, "intake.case_request")
	defer span.End()

	var req domain.CaseRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		span.SetStatus(codes.Error, "malformed request")
		return i.reject(ctx, msg, fmt.Sprintf("malformed request: %v", err))
	}
	if err := i.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return i.reject(ctx, msg, fmt.Sprintf("invalid request: %v", err))
	}
	task, err := req.NewTask()
	if err != nil {
		return i.reject(ctx, msg, err.Error())
	}
	span.SetAttributes(
		attribute.String("case.id", task.ID),
		attribute.String("case.category", string(task.Category)),
	)

	if _, err := i.creator.CreateTask(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		var full *domain.QueueFullError
		if errors.As(err, &full) {
			return fmt.Errorf("create case from offset %d: %w", msg.Offset, err)
		}
		return i.reject(ctx, msg, err.Error())
	}

	i.logger.Info("case request accepted",
		slog.String("task_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.Int64("offset", msg.Offset),
	)
	return nil
}

// reject forwards msg to the dead-letter topic. A failed DLQ publish is
// returned so the offset stays uncommitted.
func (i *Intake) reject(ctx context.Context, msg Message, reason string) error {
	i.logger.Warn("case request rejected",
		slog.Int64("offset", msg.Offset),
		slog.String("reason", reason),
	)
	if i.producer == nil {
		return nil
	}
	err := PublishJSON(ctx, i.producer, TopicDLQ, string(msg.Key), EventRejected, RejectedRequest{
		Reason: reason,
		Raw:    string(msg.Value),
	})
	if err != nil {
		return fmt.Errorf("send rejected request to dlq: %w", err)
	}
	return nil
}
