// Package handlers holds the category-specific case processors and the
// registry the orchestrator resolves them from.
package handlers

import (
	"context"
	"sort"
	"sync"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
)

// SubmissionResult is what a portal answered for one case.
type SubmissionResult struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Handler processes the cases of one category.
//
// ProcessTask receives a task already moved to IN_PROGRESS by the
// orchestrator and must leave it in COMPLETED, FAILED or AWAITING_DOCUMENTS.
// A returned error means the handler could not reach one of those states; the
// orchestrator then fails the task itself.
type Handler interface {
	Category() domain.Category
	CanHandle(task *domain.Task) bool
	ValidateDocuments(ctx context.Context, task *domain.Task) (bool, error)
	ProcessTask(ctx context.Context, task *domain.Task) (*domain.Task, error)
	SubmitToPortal(ctx context.Context, task *domain.Task) (SubmissionResult, error)
}

// Registry maps categories to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Category]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.Category]Handler)}
}

// Register adds a handler, replacing any previous one for the same category.
// Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Category()] = h
}

// Get returns the handler for the given category.
// Returns NoHandlerError if none is registered.
func (r *Registry) Get(category domain.Category) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[category]
	if !ok {
		return nil, &domain.NoHandlerError{Category: category}
	}
	return h, nil
}

// Categories lists the registered categories in sorted order.
func (r *Registry) Categories() []domain.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Category, 0, len(r.handlers))
	for c := range r.handlers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
