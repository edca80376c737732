// Package orchestrator owns the dispatch queue and the active case set, and
// routes each queued case to the handler registered for its category.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/handlers"
	"github.com/ramiqadoumi/go-case-flow/pkg/telemetry"
)

const actor = "orchestrator"

// Orchestrator accepts cases, queues them and dispatches them to handlers.
type Orchestrator struct {
	registry       *handlers.Registry
	machine        *domain.StateMachine
	queue          Queue
	logger         *slog.Logger
	workers        int
	pollTimeout    time.Duration
	handlerTimeout time.Duration
	now            func() time.Time

	mu       sync.RWMutex
	active   map[string]*domain.Task
	inflight map[string]context.CancelFunc
	// missed holds in-flight ids dequeued again before their dispatch
	// ended; release puts them back on the queue.
	missed map[string]struct{}
	// unqueued holds PENDING ids the queue refused; RetryTask enqueues them
	// again.
	unqueued map[string]struct{}

	dispatches sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithQueue(q Queue) Option { return func(o *Orchestrator) { o.queue = q } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithWorkers(n int) Option { return func(o *Orchestrator) { o.workers = n } }

func WithPollTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.pollTimeout = d } }

func WithHandlerTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.handlerTimeout = d }
}

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New creates an Orchestrator. Without WithQueue it uses an in-memory queue.
func New(registry *handlers.Registry, machine *domain.StateMachine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		machine:     machine,
		logger:      slog.Default(),
		workers:     1,
		pollTimeout: time.Second,
		now:         time.Now,
		active:      make(map[string]*domain.Task),
		inflight:    make(map[string]context.CancelFunc),
		missed:      make(map[string]struct{}),
		unqueued:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.queue == nil {
		o.queue = NewMemoryQueue(1024)
	}
	if o.workers < 1 {
		o.workers = 1
	}
	return o
}

// CreateTask computes the case priority, moves it CREATED -> PENDING, adds it
// to the active set and enqueues it. If the queue refuses the id the case is
// cancelled and the queue error returned.
func (o *Orchestrator) CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	if s := task.State(); s != domain.StateCreated {
		return task, &domain.InvalidTransitionError{TaskID: task.ID, From: s, To: domain.StatePending}
	}

	task.ComputePriority(o.now())
	if _, err := o.machine.Transition(ctx, task, domain.StatePending, domain.TransitionContext{"actor": actor, "reason": "created"}); err != nil {
		return task, err
	}

	o.mu.Lock()
	o.active[task.ID] = task
	telemetry.ActiveCases.Set(float64(len(o.active)))
	o.mu.Unlock()

	if err := o.queue.Enqueue(ctx, task.ID); err != nil {
		_, _ = o.machine.Transition(ctx, task, domain.StateCancelled, domain.TransitionContext{"actor": actor, "reason": "not enqueued: " + err.Error()})
		return task, fmt.Errorf("enqueue case %s: %w", task.ID, err)
	}

	telemetry.CasesCreated.WithLabelValues(string(task.Category), string(task.Priority())).Inc()
	o.logger.Info("case created",
		slog.String("task_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.String("category", string(task.Category)),
		slog.String("priority", string(task.Priority())),
	)
	return task, nil
}

// DispatchTask hands task to its category handler.
//
// Only PENDING and AWAITING_DOCUMENTS cases are dispatched. A second
// dispatch of a case already being processed fails with TaskBusyError.
// Routing failures and handler errors or panics move the case to FAILED and
// are not returned.
func (o *Orchestrator) DispatchTask(ctx context.Context, task *domain.Task) error {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("case.id", task.ID),
		attribute.String("case.category", string(task.Category)),
	)

	hctx, release, err := o.claim(ctx, task.ID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer release()

	from := task.State()
	if from != domain.StatePending && from != domain.StateAwaitingDocuments {
		return &domain.InvalidTransitionError{TaskID: task.ID, From: from, To: domain.StateInProgress}
	}
	span.SetAttributes(attribute.String("case.from_state", string(from)))
	o.track(task)

	log := o.logger.With(
		slog.String("task_id", task.ID),
		slog.String("category", string(task.Category)),
	)

	h, err := o.registry.Get(task.Category)
	if err == nil && !h.CanHandle(task) {
		err = &domain.HandlerMismatchError{TaskID: task.ID, Category: task.Category, HandlerCategory: h.Category()}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "routing failed")
		log.Error("no usable handler", slog.String("error", err.Error()))
		o.failCase(ctx, task, err.Error(), "routing")
		return nil
	}

	if _, err := o.machine.Transition(ctx, task, domain.StateInProgress, domain.TransitionContext{"actor": actor, "handler": string(h.Category())}); err != nil {
		span.RecordError(err)
		return err
	}

	category := string(task.Category)
	telemetry.CasesInFlight.WithLabelValues(category).Inc()
	start := time.Now()
	herr := invoke(hctx, h, task)
	elapsed := time.Since(start)
	telemetry.CasesInFlight.WithLabelValues(category).Dec()
	telemetry.DispatchDurationSeconds.WithLabelValues(category).Observe(elapsed.Seconds())

	switch state := task.State(); {
	case herr != nil:
		span.RecordError(herr)
		span.SetStatus(codes.Error, "handler error")
		log.Error("handler failed",
			slog.String("error", herr.Error()),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
		)
		o.failCase(context.WithoutCancel(ctx), task, "handler error: "+herr.Error(), "handler")
	case state == domain.StateInProgress || state == domain.StateUnderReview:
		log.Error("handler returned without settling the case", slog.String("state", string(state)))
		o.failCase(context.WithoutCancel(ctx), task, fmt.Sprintf("handler left the case in %s", state), "unsettled")
	default:
		span.SetAttributes(attribute.String("case.state", string(state)))
		log.Info("case dispatched",
			slog.String("state", string(state)),
			slog.Float64("progress", task.Progress()),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
		)
	}
	return nil
}

// claim marks id as in flight and returns the handler context. release must
// be called once the dispatch is over.
func (o *Orchestrator) claim(ctx context.Context, id string) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[id]; busy {
		return nil, nil, &domain.TaskBusyError{TaskID: id}
	}

	// Handlers outlive the caller's cancellation so a shutdown drains them;
	// CancelTask and the handler timeout still stop them.
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if o.handlerTimeout > 0 {
		var cancelTimeout context.CancelFunc
		hctx, cancelTimeout = context.WithTimeout(hctx, o.handlerTimeout)
		inner := cancel
		cancel = func() { cancelTimeout(); inner() }
	}
	o.inflight[id] = cancel
	o.dispatches.Add(1)

	return hctx, func() {
		o.mu.Lock()
		delete(o.inflight, id)
		_, missed := o.missed[id]
		delete(o.missed, id)
		o.mu.Unlock()
		cancel()
		if missed {
			o.requeue(ctx, id)
		}
		o.dispatches.Done()
	}, nil
}

// deferUntilReleased records that id was dequeued while its dispatch was
// still running. It reports false when the dispatch has already ended.
func (o *Orchestrator) deferUntilReleased(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[id]; !busy {
		return false
	}
	o.missed[id] = struct{}{}
	return true
}

// requeue puts id back on the queue. An id the queue refuses is kept in
// unqueued so RetryTask can enqueue it again.
func (o *Orchestrator) requeue(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.queue.Enqueue(ctx, id); err != nil {
		o.mu.Lock()
		o.unqueued[id] = struct{}{}
		o.mu.Unlock()
		o.logger.Error("requeue failed", slog.String("task_id", id), slog.String("error", err.Error()))
		return
	}
	o.logger.Debug("case requeued", slog.String("task_id", id))
}

func (o *Orchestrator) track(task *domain.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[task.ID]; !ok {
		o.active[task.ID] = task
		telemetry.ActiveCases.Set(float64(len(o.active)))
	}
}

// invoke runs the handler, turning a panic into an error.
func invoke(ctx context.Context, h handlers.Handler, task *domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	_, err = h.ProcessTask(ctx, task)
	return err
}

// failCase moves task to FAILED with message, passing through IN_PROGRESS
// when the case is not yet there. Terminal and already failed cases are left
// alone.
func (o *Orchestrator) failCase(ctx context.Context, task *domain.Task, message, reason string) {
	log := o.logger.With(slog.String("task_id", task.ID))
	tctx := domain.TransitionContext{"actor": actor, "reason": message}

	switch task.State() {
	case domain.StatePending, domain.StateAwaitingDocuments:
		if _, err := o.machine.Transition(ctx, task, domain.StateInProgress, tctx); err != nil {
			log.Warn("could not fail case", slog.String("error", err.Error()))
			return
		}
	case domain.StateFailed, domain.StateCompleted, domain.StateCancelled:
		log.Info("case already settled, failure not recorded",
			slog.String("state", string(task.State())),
			slog.String("error", message),
		)
		return
	}

	if _, err := o.machine.Fail(ctx, task, message, tctx); err != nil {
		log.Warn("could not fail case", slog.String("error", err.Error()))
		return
	}
	telemetry.DispatchFailures.WithLabelValues(string(task.Category), reason).Inc()
}

// ProcessQueue dequeues and dispatches cases one at a time until ctx is
// cancelled. It never returns a handler failure.
func (o *Orchestrator) ProcessQueue(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		id, err := o.queue.Dequeue(ctx, o.pollTimeout)
		if errors.Is(err, ErrQueueEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Error("dequeue failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(o.pollTimeout):
			}
			continue
		}
		o.dispatchQueued(ctx, id)
	}
}

func (o *Orchestrator) dispatchQueued(ctx context.Context, id string) {
	task, err := o.GetTaskStatus(id)
	if err != nil {
		o.logger.Warn("queued case is not active, skipping", slog.String("task_id", id))
		return
	}
	if err := o.DispatchTask(ctx, task); err != nil {
		var busy *domain.TaskBusyError
		if errors.As(err, &busy) {
			if !o.deferUntilReleased(id) {
				o.requeue(ctx, id)
			}
			o.logger.Debug("queued case busy, deferred", slog.String("task_id", id))
			return
		}
		var invalid *domain.InvalidTransitionError
		if errors.As(err, &invalid) {
			o.logger.Debug("queued case no longer dispatchable",
				slog.String("task_id", id),
				slog.String("state", string(invalid.From)),
			)
			return
		}
		o.logger.Warn("dispatch rejected", slog.String("task_id", id), slog.String("error", err.Error()))
	}
}

// Run starts the configured number of queue consumers and blocks until ctx
// is cancelled and every consumer has returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started", slog.Int("workers", o.workers))
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.ProcessQueue(ctx)
		}()
	}
	wg.Wait()
	o.logger.Info("orchestrator stopped")
	return nil
}

// Wait blocks until all in-flight dispatches finish. Call after Run returns.
func (o *Orchestrator) Wait() { o.dispatches.Wait() }

// GetTaskStatus returns the active case with the given id.
func (o *Orchestrator) GetTaskStatus(id string) (*domain.Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	task, ok := o.active[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return task, nil
}

// GetUserTasks lists a user's active cases, optionally filtered by state,
// most urgent first and newest first within a priority.
func (o *Orchestrator) GetUserTasks(userID string, state *domain.State) []*domain.Task {
	o.mu.RLock()
	out := make([]*domain.Task, 0)
	for _, t := range o.active {
		if t.UserID != userID {
			continue
		}
		if state != nil && t.State() != *state {
			continue
		}
		out = append(out, t)
	}
	o.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Priority().Rank(), out[j].Priority().Rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// CancelTask cancels the case and stops its handler if one is running.
// It reports false when the case is unknown or cannot be cancelled from its
// current state.
func (o *Orchestrator) CancelTask(ctx context.Context, id string) bool {
	task, err := o.GetTaskStatus(id)
	if err != nil {
		return false
	}
	if !domain.CanTransition(task.State(), domain.StateCancelled) {
		return false
	}
	if _, err := o.machine.Transition(ctx, task, domain.StateCancelled, domain.TransitionContext{"actor": actor, "reason": "cancelled by request"}); err != nil {
		return false
	}

	o.mu.RLock()
	cancel, running := o.inflight[id]
	o.mu.RUnlock()
	if running {
		cancel()
	}
	o.logger.Info("case cancelled", slog.String("task_id", id), slog.Bool("was_running", running))
	return true
}

// RetryTask sends a FAILED case back to PENDING and re-enqueues it. A
// PENDING case the queue refused earlier is enqueued again without a
// transition.
func (o *Orchestrator) RetryTask(ctx context.Context, id string) (*domain.Task, error) {
	task, err := o.GetTaskStatus(id)
	if err != nil {
		return nil, err
	}
	if !(task.State() == domain.StatePending && o.takeUnqueued(id)) {
		if _, err := o.machine.Transition(ctx, task, domain.StatePending, domain.TransitionContext{"actor": actor, "reason": "retry"}); err != nil {
			return task, err
		}
	}
	task.ComputePriority(o.now())
	if err := o.queue.Enqueue(ctx, id); err != nil {
		o.mu.Lock()
		o.unqueued[id] = struct{}{}
		o.mu.Unlock()
		return task, fmt.Errorf("enqueue case %s: %w", id, err)
	}
	o.takeUnqueued(id)
	telemetry.CasesRetried.WithLabelValues(string(task.Category)).Inc()
	o.logger.Info("case retried", slog.String("task_id", id))
	return task, nil
}

func (o *Orchestrator) takeUnqueued(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.unqueued[id]
	delete(o.unqueued, id)
	return ok
}

// ResumeTask re-enqueues a case waiting for documents.
func (o *Orchestrator) ResumeTask(ctx context.Context, id string) (*domain.Task, error) {
	task, err := o.GetTaskStatus(id)
	if err != nil {
		return nil, err
	}
	if s := task.State(); s != domain.StateAwaitingDocuments {
		return task, &domain.InvalidTransitionError{TaskID: id, From: s, To: domain.StateInProgress}
	}
	if err := o.queue.Enqueue(ctx, id); err != nil {
		return task, fmt.Errorf("enqueue case %s: %w", id, err)
	}
	o.logger.Info("case resumed", slog.String("task_id", id))
	return task, nil
}

// SubmitDocuments records documents for a case. A case waiting for documents
// is resumed once nothing required is missing.
func (o *Orchestrator) SubmitDocuments(ctx context.Context, id string, docs ...string) (*domain.Task, error) {
	task, err := o.GetTaskStatus(id)
	if err != nil {
		return nil, err
	}
	if s := task.State(); s.IsTerminal() {
		return task, &domain.PreconditionError{TaskID: id, To: s, Reason: "case is closed"}
	}
	task.SubmitDocuments(docs...)

	if task.State() == domain.StateAwaitingDocuments && len(task.MissingDocuments()) == 0 {
		return o.ResumeTask(ctx, id)
	}
	return task, nil
}

// RefreshPriorities recomputes the priority of every open case and reports
// how many changed.
func (o *Orchestrator) RefreshPriorities(now time.Time) int {
	o.mu.RLock()
	tasks := make([]*domain.Task, 0, len(o.active))
	for _, t := range o.active {
		tasks = append(tasks, t)
	}
	o.mu.RUnlock()

	changed := 0
	for _, t := range tasks {
		if t.State().IsTerminal() {
			continue
		}
		before := t.Priority()
		t.ComputePriority(now)
		if t.Priority() != before {
			changed++
		}
	}
	return changed
}

// EvictTerminal drops COMPLETED and CANCELLED cases last updated more than
// olderThan ago from the active set and reports how many were removed.
func (o *Orchestrator) EvictTerminal(olderThan time.Duration) int {
	cutoff := o.now().Add(-olderThan)
	o.mu.Lock()
	defer o.mu.Unlock()

	evicted := 0
	for id, t := range o.active {
		if _, running := o.inflight[id]; running {
			continue
		}
		if t.State().IsTerminal() && t.UpdatedAt().Before(cutoff) {
			delete(o.active, id)
			delete(o.unqueued, id)
			evicted++
		}
	}
	telemetry.ActiveCases.Set(float64(len(o.active)))
	return evicted
}

// Stats is a point-in-time view of the orchestrator.
type Stats struct {
	Active     int                  `json:"active"`
	InFlight   int                  `json:"in_flight"`
	Queued     int64                `json:"queued"`
	ByState    map[domain.State]int `json:"by_state"`
	Categories []domain.Category    `json:"categories"`
}

// Stats reports active, in-flight and queued counts.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	o.mu.RLock()
	st := Stats{
		Active:     len(o.active),
		InFlight:   len(o.inflight),
		ByState:    make(map[domain.State]int),
		Categories: o.registry.Categories(),
	}
	for _, t := range o.active {
		st.ByState[t.State()]++
	}
	o.mu.RUnlock()

	n, err := o.queue.Len(ctx)
	if err != nil {
		return st, fmt.Errorf("queue length: %w", err)
	}
	st.Queued = n
	telemetry.QueueDepth.Set(float64(n))
	return st, nil
}
