package domain

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle states a case can be in.
type State string

const (
	StateCreated           State = "CREATED"
	StatePending           State = "PENDING"
	StateInProgress        State = "IN_PROGRESS"
	StateAwaitingDocuments State = "AWAITING_DOCUMENTS"
	StateUnderReview       State = "UNDER_REVIEW"
	StateCompleted         State = "COMPLETED"
	StateFailed            State = "FAILED"
	StateCancelled         State = "CANCELLED"
)

// States lists every lifecycle state in declaration order.
func States() []State {
	return []State{
		StateCreated, StatePending, StateInProgress, StateAwaitingDocuments,
		StateUnderReview, StateCompleted, StateFailed, StateCancelled,
	}
}

// IsTerminal returns true if no further state transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// ParseState converts a raw string into a known State.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if slices.Contains(States(), s) {
		return s, nil
	}
	return "", &InvalidStateError{Value: raw}
}

// Priority is the urgency class derived from a case deadline.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities from least (0) to most urgent (3).
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Category is the administrative domain of a case. It selects the handler.
type Category string

const (
	CategoryFiscal     Category = "fiscal"
	CategoryHealth     Category = "health"
	CategoryMobility   Category = "mobility"
	CategoryHousing    Category = "housing"
	CategoryEmployment Category = "employment"
)

// Categories lists every known category.
func Categories() []Category {
	return []Category{CategoryFiscal, CategoryHealth, CategoryMobility, CategoryHousing, CategoryEmployment}
}

// ParseCategory converts a raw string into a known Category.
func ParseCategory(raw string) (Category, error) {
	c := Category(raw)
	if slices.Contains(Categories(), c) {
		return c, nil
	}
	return "", &InvalidCategoryError{Value: raw}
}

const day = 24 * time.Hour

// PriorityFor maps the whole days left until deadline onto a Priority.
// Days are floored, so a deadline one second in the past is already urgent.
func PriorityFor(deadline, now time.Time) Priority {
	left := deadline.Sub(now)
	days := int64(left / day)
	if left < 0 && left%day != 0 {
		days--
	}
	switch {
	case days < 0:
		return PriorityUrgent
	case days <= 7:
		return PriorityHigh
	case days <= 30:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Task is the core domain entity representing one administrative case.
//
// Identity and request fields are exported and must not change after
// creation. Lifecycle fields are only reachable through accessors and are
// guarded by an internal lock; State is changed exclusively by StateMachine.
type Task struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Category          Category   `json:"category"`
	RequiredDocuments []string   `json:"required_documents"`
	CreatedAt         time.Time  `json:"created_at"`
	Deadline          *time.Time `json:"deadline,omitempty"`

	mu           sync.RWMutex
	state        State
	priority     Priority
	progress     float64
	submitted    map[string]struct{}
	metadata     map[string]any
	errorMessage string
	updatedAt    time.Time
}

// TaskOption configures a Task at construction time.
type TaskOption func(*Task)

func WithTitle(title string) TaskOption { return func(t *Task) { t.Title = title } }

func WithDescription(d string) TaskOption { return func(t *Task) { t.Description = d } }

func WithDeadline(deadline time.Time) TaskOption {
	return func(t *Task) { d := deadline.UTC(); t.Deadline = &d }
}
func WithRequiredDocuments(docs ...string) TaskOption {
	return func(t *Task) { t.RequiredDocuments = dedupe(docs) }
}
func WithSubmittedDocuments(docs ...string) TaskOption {
	return func(t *Task) {
		for _, d := range docs {
			t.submitted[d] = struct{}{}
		}
	}
}

// NewTask creates a case in CREATED with low priority and a fresh id.
func NewTask(userID string, category Category, opts ...TaskOption) *Task {
	now := time.Now().UTC()
	t := &Task{
		ID:        uuid.New().String(),
		UserID:    userID,
		Category:  category,
		CreatedAt: now,
		state:     StateCreated,
		priority:  PriorityLow,
		submitted: make(map[string]struct{}),
		metadata:  make(map[string]any),
		updatedAt: now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Task) Priority() Priority {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.priority
}

func (t *Task) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

func (t *Task) ErrorMessage() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errorMessage
}

func (t *Task) UpdatedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updatedAt
}

// SubmittedDocuments returns the submitted document types, sorted.
func (t *Task) SubmittedDocuments() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.submittedLocked()
}

// MissingDocuments returns required document types not yet submitted, sorted.
func (t *Task) MissingDocuments() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var missing []string
	for _, d := range t.RequiredDocuments {
		if _, ok := t.submitted[d]; !ok {
			missing = append(missing, d)
		}
	}
	slices.Sort(missing)
	return missing
}

// SubmitDocuments adds document types to the submitted set.
func (t *Task) SubmitDocuments(docs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range docs {
		t.submitted[d] = struct{}{}
	}
	t.touchLocked()
}

// Meta reads a metadata value.
func (t *Task) Meta(key string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.metadata[key]
	return v, ok
}

// SetMeta stores a metadata value. Keys belong to the handler currently
// processing the case.
func (t *Task) SetMeta(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metadata[key] = value
	t.touchLocked()
}

// UpdateState sets the state and refreshes UpdatedAt without validating
// the move. Callers go through StateMachine.Transition.
func (t *Task) UpdateState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updateStateLocked(s)
}

// ComputePriority recomputes the priority from the deadline. Without a
// deadline it is a no-op.
func (t *Task) ComputePriority(now time.Time) {
	if t.Deadline == nil {
		return
	}
	p := PriorityFor(*t.Deadline, now)
	t.mu.Lock()
	defer t.mu.Unlock()
	if p != t.priority {
		t.priority = p
		t.touchLocked()
	}
}

// UpdateProgress is the progress hook used by handlers. The value is
// clamped into [0,100].
func (t *Task) UpdateProgress(v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress = min(100, max(0, v))
	t.touchLocked()
}

func (t *Task) updateStateLocked(s State) {
	t.state = s
	if s != StateFailed {
		t.errorMessage = ""
	}
	t.touchLocked()
}

// touchLocked keeps UpdatedAt strictly increasing even when the wall clock
// does not advance between two mutations.
func (t *Task) touchLocked() {
	now := time.Now().UTC()
	if !now.After(t.updatedAt) {
		now = t.updatedAt.Add(time.Nanosecond)
	}
	t.updatedAt = now
}

func (t *Task) submittedLocked() []string {
	docs := make([]string, 0, len(t.submitted))
	for d := range t.submitted {
		docs = append(docs, d)
	}
	slices.Sort(docs)
	return docs
}

// Snapshot is a consistent, immutable copy of a Task.
type Snapshot struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"user_id"`
	Title              string         `json:"title,omitempty"`
	Description        string         `json:"description,omitempty"`
	Category           Category       `json:"category"`
	State              State          `json:"state"`
	Priority           Priority       `json:"priority"`
	Progress           float64        `json:"progress"`
	RequiredDocuments  []string       `json:"required_documents"`
	SubmittedDocuments []string       `json:"submitted_documents"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	Deadline           *time.Time     `json:"deadline,omitempty"`
}

// Snapshot copies the task under its read lock.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	meta := make(map[string]any, len(t.metadata))
	for k, v := range t.metadata {
		meta[k] = v
	}
	return Snapshot{
		ID:                 t.ID,
		UserID:             t.UserID,
		Title:              t.Title,
		Description:        t.Description,
		Category:           t.Category,
		State:              t.state,
		Priority:           t.priority,
		Progress:           t.progress,
		RequiredDocuments:  slices.Clone(t.RequiredDocuments),
		SubmittedDocuments: t.submittedLocked(),
		Metadata:           meta,
		ErrorMessage:       t.errorMessage,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.updatedAt,
		Deadline:           t.Deadline,
	}
}

// MarshalJSON encodes the task through its Snapshot.
func (t *Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Snapshot())
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
