package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/portal"
)

// Metadata keys written by the built-in handlers. Keys belong to the handler
// currently processing the case.
const (
	MetaMissingDocuments   = "missing_documents"
	MetaInvalidDocuments   = "invalid_documents"
	MetaValidationError    = "validation_error"
	MetaSubmission         = "submission"
	MetaConfirmationNumber = "confirmation_number"
	MetaFiscalData         = "fiscal_data"
	MetaFormData           = "form_data"
	MetaHealthData         = "health_data"
	MetaReimbursement      = "reimbursement"
	MetaVehicleData        = "vehicle_data"
)

// Option configures a built-in handler.
type Option func(*base)

// WithInspector replaces the default StaticInspector.
func WithInspector(i DocumentInspector) Option { return func(b *base) { b.inspector = i } }

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option { return func(b *base) { b.logger = l } }

// WithClock overrides time.Now, used by date-based eligibility rules.
func WithClock(now func() time.Time) Option { return func(b *base) { b.now = now } }

// stage is one step of a workflow. progress is reported once run succeeds.
type stage struct {
	name     string
	progress float64
	run      func(ctx context.Context, task *domain.Task) error
}

// plan lists the progress checkpoints of a category workflow. A zero
// submitted checkpoint reports nothing between submission and completion.
type plan struct {
	start     float64
	validated float64
	stages    []stage
	submitted float64
}

// base carries what every portal-backed handler shares: routing, document
// validation, portal submission and the workflow driver.
type base struct {
	category  domain.Category
	operation string
	payload   func(task *domain.Task) map[string]any
	machine   *domain.StateMachine
	connector portal.Connector
	inspector DocumentInspector
	logger    *slog.Logger
	now       func() time.Time
}

func newBase(category domain.Category, operation string, payload func(*domain.Task) map[string]any,
	machine *domain.StateMachine, connector portal.Connector, opts []Option) base {
	b := base{
		category:  category,
		operation: operation,
		payload:   payload,
		machine:   machine,
		connector: connector,
		inspector: NewStaticInspector(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) Category() domain.Category { return b.category }

func (b *base) CanHandle(task *domain.Task) bool {
	return task != nil && task.Category == b.category
}

func (b *base) ValidateDocuments(ctx context.Context, task *domain.Task) (bool, error) {
	return validateDocuments(ctx, b.inspector, task)
}

// SubmitToPortal sends the case to the category portal. A rejection is a
// result with Success=false; only transport failures are errors.
func (b *base) SubmitToPortal(ctx context.Context, task *domain.Task) (SubmissionResult, error) {
	resp, err := b.connector.Submit(ctx, portal.Request{
		CaseID:    task.ID,
		UserID:    task.UserID,
		Category:  task.Category,
		Operation: b.operation,
		Payload:   b.payload(task),
	})
	if err != nil {
		return SubmissionResult{}, err
	}
	if !resp.Accepted {
		msg := resp.Message
		if msg == "" {
			msg = fmt.Sprintf("%s rejected the submission", b.connector.Name())
		}
		return SubmissionResult{Success: false, Error: msg}, nil
	}
	return SubmissionResult{Success: true, Reference: resp.Reference}, nil
}

func (b *base) actor() domain.TransitionContext {
	return domain.TransitionContext{"actor": "handler:" + string(b.category)}
}

// run drives task through validation, the plan's stages and the portal
// submission. h is the concrete handler so overridden contract methods are
// honoured.
func (b *base) run(ctx context.Context, h Handler, task *domain.Task, p plan) (*domain.Task, error) {
	ctx, span := otel.Tracer("handlers").Start(ctx, "handler."+string(b.category))
	defer span.End()
	span.SetAttributes(
		attribute.String("case.id", task.ID),
		attribute.String("case.category", string(task.Category)),
	)

	logger := b.logger.With(
		slog.String("task_id", task.ID),
		slog.String("category", string(b.category)),
	)

	task.UpdateProgress(p.start)

	ok, err := h.ValidateDocuments(ctx, task)
	if err != nil {
		return b.fail(ctx, span, logger, task, fmt.Sprintf("document validation failed: %v", err), err)
	}
	if !ok {
		logger.Warn("case waiting for documents",
			slog.Any("missing", task.MissingDocuments()),
		)
		tctx := b.actor()
		tctx["reason"] = "documents missing or invalid"
		if _, err := b.machine.Transition(ctx, task, domain.StateAwaitingDocuments, tctx); err != nil {
			return task, fmt.Errorf("await documents: %w", err)
		}
		return task, nil
	}
	task.UpdateProgress(p.validated)

	for _, st := range p.stages {
		span.AddEvent("stage." + st.name)
		if err := st.run(ctx, task); err != nil {
			return b.fail(ctx, span, logger, task, err.Error(), err)
		}
		task.UpdateProgress(st.progress)
	}

	if _, err := b.machine.Transition(ctx, task, domain.StateUnderReview, b.actor()); err != nil {
		return task, fmt.Errorf("enter review: %w", err)
	}

	result, err := h.SubmitToPortal(ctx, task)
	if err != nil {
		return b.fail(ctx, span, logger, task, fmt.Sprintf("portal submission failed: %v", err), err)
	}
	task.SetMeta(MetaSubmission, result)
	if p.submitted > 0 {
		task.UpdateProgress(p.submitted)
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "portal rejected the submission"
		}
		return b.fail(ctx, span, logger, task, msg, nil)
	}

	task.SetMeta(MetaConfirmationNumber, result.Reference)
	tctx := b.actor()
	tctx["reference"] = result.Reference
	if _, err := b.machine.Transition(ctx, task, domain.StateCompleted, tctx); err != nil {
		return task, fmt.Errorf("complete case: %w", err)
	}
	span.SetAttributes(attribute.String("portal.reference", result.Reference))
	logger.Info("case completed", slog.String("reference", result.Reference))
	return task, nil
}

// fail moves task to FAILED with msg. If the task can no longer fail (it was
// cancelled meanwhile) the error is returned to the caller instead.
func (b *base) fail(ctx context.Context, span trace.Span, logger *slog.Logger, task *domain.Task, msg string, cause error) (*domain.Task, error) {
	if cause != nil {
		span.RecordError(cause)
	}
	span.SetStatus(codes.Error, msg)

	tctx := b.actor()
	tctx["reason"] = msg
	if _, err := b.machine.Fail(ctx, task, msg, tctx); err != nil {
		return task, fmt.Errorf("record failure: %w", errors.Join(cause, err))
	}
	logger.Warn("case failed", slog.String("error", msg))
	return task, nil
}

// metaMap reads a map-valued metadata entry, or nil.
func metaMap(task *domain.Task, key string) map[string]any {
	v, ok := task.Meta(key)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// number reads a numeric value that may have been decoded from JSON.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
