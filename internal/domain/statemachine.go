package domain

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// transitions is the lifecycle graph. COMPLETED and CANCELLED have no
// outgoing edges; FAILED only goes back to PENDING.
var transitions = map[State][]State{
	StateCreated:           {StatePending, StateCancelled},
	StatePending:           {StateInProgress, StateCancelled},
	StateInProgress:        {StateAwaitingDocuments, StateUnderReview, StateCompleted, StateFailed, StateCancelled},
	StateAwaitingDocuments: {StateInProgress, StateCancelled},
	StateUnderReview:       {StateCompleted, StateInProgress, StateFailed},
	StateCompleted:         {},
	StateFailed:            {StatePending},
	StateCancelled:         {},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// AllowedTransitions returns the states reachable in one step from s.
func AllowedTransitions(s State) []State {
	return slices.Clone(transitions[s])
}

// TransitionContext carries free-form details about why a transition
// happened (actor, reason, handler). It is handed to observers untouched.
type TransitionContext map[string]any

// Observer reacts to a committed transition. Returned errors are logged and
// never undo the transition.
type Observer interface {
	OnTransition(ctx context.Context, task *Task, from, to State, tctx TransitionContext) error
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(ctx context.Context, task *Task, from, to State, tctx TransitionContext) error

func (f ObserverFunc) OnTransition(ctx context.Context, task *Task, from, to State, tctx TransitionContext) error {
	return f(ctx, task, from, to, tctx)
}

// StateMachine validates and applies transitions, running guards before the
// change and observers after it.
type StateMachine struct {
	observers []Observer
	logger    *slog.Logger
}

// MachineOption configures a StateMachine.
type MachineOption func(*StateMachine)

// WithObserver registers an observer notified after every transition.
func WithObserver(o Observer) MachineOption {
	return func(m *StateMachine) { m.observers = append(m.observers, o) }
}

func WithMachineLogger(l *slog.Logger) MachineOption {
	return func(m *StateMachine) { m.logger = l }
}

// NewStateMachine builds a StateMachine. Observers run in registration order.
func NewStateMachine(opts ...MachineOption) *StateMachine {
	m := &StateMachine{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Transition moves task to the given state.
//
// The edge check, the guard for the target state and the state change run
// under the task lock, so a rejected transition leaves the task untouched.
// Observers run afterwards, outside the lock.
func (m *StateMachine) Transition(ctx context.Context, task *Task, to State, tctx TransitionContext) (*Task, error) {
	task.mu.Lock()
	from := task.state
	if err := m.applyLocked(task, from, to, ""); err != nil {
		task.mu.Unlock()
		return task, err
	}
	task.mu.Unlock()

	m.notify(ctx, task, from, to, tctx)
	return task, nil
}

// Fail records message as the task error and moves it to FAILED in one step.
func (m *StateMachine) Fail(ctx context.Context, task *Task, message string, tctx TransitionContext) (*Task, error) {
	task.mu.Lock()
	from := task.state
	if err := m.applyLocked(task, from, StateFailed, message); err != nil {
		task.mu.Unlock()
		return task, err
	}
	task.mu.Unlock()

	m.notify(ctx, task, from, StateFailed, tctx)
	return task, nil
}

func (m *StateMachine) applyLocked(task *Task, from, to State, failure string) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{TaskID: task.ID, From: from, To: to}
	}
	if err := guardLocked(task, to, failure); err != nil {
		return err
	}
	if to == StateFailed && failure != "" {
		task.errorMessage = failure
	}
	task.updateStateLocked(to)
	return nil
}

// guardLocked runs the pre-transition checks for the target state. It may
// only mutate the task once nothing else can veto the move.
func guardLocked(task *Task, to State, failure string) error {
	switch to {
	case StateUnderReview:
		if len(task.submitted) == 0 {
			return &PreconditionError{TaskID: task.ID, To: to, Reason: "no submitted documents"}
		}
	case StateFailed:
		if failure == "" && task.errorMessage == "" {
			return &PreconditionError{TaskID: task.ID, To: to, Reason: "error message is required"}
		}
	case StateCompleted:
		task.progress = 100
	}
	return nil
}

func (m *StateMachine) notify(ctx context.Context, task *Task, from, to State, tctx TransitionContext) {
	for _, o := range m.observers {
		if err := m.safeObserve(ctx, o, task, from, to, tctx); err != nil {
			m.logger.Warn("transition observer failed",
				slog.String("task_id", task.ID),
				slog.String("from", string(from)),
				slog.String("to", string(to)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *StateMachine) safeObserve(ctx context.Context, o Observer, task *Task, from, to State, tctx TransitionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return o.OnTransition(ctx, task, from, to, tctx)
}
