package domain

import "fmt"

// InvalidTransitionError is returned when a state change is not an edge of
// the transition table.
type InvalidTransitionError struct {
	TaskID string
	From   State
	To     State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %s: %s -> %s", e.TaskID, e.From, e.To)
}

// PreconditionError is returned when a transition guard vetoes a move.
type PreconditionError struct {
	TaskID string
	To     State
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed for task %s entering %s: %s", e.TaskID, e.To, e.Reason)
}

// NoHandlerError is returned when no handler is registered for a category.
type NoHandlerError struct {
	Category Category
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for category %q", e.Category)
}

// HandlerMismatchError is returned when the resolved handler refuses a task.
type HandlerMismatchError struct {
	TaskID          string
	Category        Category
	HandlerCategory Category
}

func (e *HandlerMismatchError) Error() string {
	return fmt.Sprintf("handler for %q cannot process task %s of category %q",
		e.HandlerCategory, e.TaskID, e.Category)
}

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// TaskBusyError is returned when a task is already being processed by
// another call path.
type TaskBusyError struct {
	TaskID string
}

func (e *TaskBusyError) Error() string {
	return fmt.Sprintf("task %s is already being processed", e.TaskID)
}

// QueueFullError is returned when the dispatch queue cannot take more work.
type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("dispatch queue is full (capacity %d)", e.Capacity)
}

// RateLimitExceededError is returned when a portal exceeds its call budget.
type RateLimitExceededError struct {
	Key   string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit is %d", e.Key, e.Limit)
}

// InvalidCategoryError is returned when parsing an unknown category.
type InvalidCategoryError struct {
	Value string
}

func (e *InvalidCategoryError) Error() string {
	return fmt.Sprintf("unknown category %q", e.Value)
}

// InvalidStateError is returned when parsing an unknown state.
type InvalidStateError struct {
	Value string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("unknown state %q", e.Value)
}
