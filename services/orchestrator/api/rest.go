// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/orchestrator"
	"github.com/ramiqadoumi/go-case-flow/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-case-flow/internal/redis"
)

// Cases is the orchestrator surface served by the API.
type Cases interface {
	CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, error)
	GetTaskStatus(id string) (*domain.Task, error)
	GetUserTasks(userID string, state *domain.State) []*domain.Task
	CancelTask(ctx context.Context, id string) bool
	RetryTask(ctx context.Context, id string) (*domain.Task, error)
	SubmitDocuments(ctx context.Context, id string, docs ...string) (*domain.Task, error)
	Stats(ctx context.Context) (orchestrator.Stats, error)
}

// REST handles HTTP requests. store and repo are optional read fallbacks
// for cases no longer held in memory.
type REST struct {
	cases    Cases
	store    redisstore.SnapshotStore
	repo     postgres.CaseRepository
	validate *validator.Validate
	logger   *slog.Logger
}

// Option configures a REST handler.
type Option func(*REST)

// WithSnapshotStore enables the Redis read fallback.
func WithSnapshotStore(s redisstore.SnapshotStore) Option { return func(h *REST) { h.store = s } }

// WithRepository enables the Postgres read fallback and case history.
func WithRepository(r postgres.CaseRepository) Option { return func(h *REST) { h.repo = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(h *REST) { h.logger = l } }

// NewREST creates a new REST handler.
func NewREST(cases Cases, opts ...Option) *REST {
	h := &REST{
		cases:    cases,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router with the request middleware stack.
func (h *REST) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(h.logger))
	r.Use(MaxBodySize(1 << 20))
	r.Get("/healthz", h.Healthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/cases", h.CreateCase)
		r.Get("/cases/{id}", h.GetCase)
		r.Delete("/cases/{id}", h.CancelCase)
		r.Get("/cases/{id}/history", h.CaseHistory)
		r.Post("/cases/{id}/documents", h.SubmitDocuments)
		r.Post("/cases/{id}/retry", h.RetryCase)
		r.Get("/users/{userID}/cases", h.UserCases)
		r.Get("/stats", h.Stats)
	})
	return r
}

// DocumentsRequest is the JSON body for POST /cases/{id}/documents.
type DocumentsRequest struct {
	Documents []string `json:"documents" validate:"required,min=1,dive,required,max=64"`
}

// CancelResponse is the DELETE /cases/{id} response body.
type CancelResponse struct {
	CaseID    string `json:"case_id"`
	Cancelled bool   `json:"cancelled"`
}

// CreateCase handles POST /api/v1/cases.
func (h *REST) CreateCase(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.create_case")
	defer span.End()

	var req domain.CaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := req.NewTask()
	if err != nil {
		h.fail(w, err)
		return
	}
	span.SetAttributes(
		attribute.String("case.id", task.ID),
		attribute.String("case.category", string(task.Category)),
	)

	if _, err := h.cases.CreateTask(ctx, task); err != nil {
		span.RecordError(err)
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task.Snapshot())
}

// GetCase handles GET /api/v1/cases/{id}. Cases evicted from memory are
// served from the Redis snapshot, then from Postgres.
func (h *REST) GetCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	if task, err := h.cases.GetTaskStatus(id); err == nil {
		writeJSON(w, http.StatusOK, task.Snapshot())
		return
	}

	var notFound *domain.TaskNotFoundError
	if h.store != nil {
		snap, err := h.store.Get(ctx, id)
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
		if !errors.As(err, &notFound) {
			h.logger.Error("redis error", slog.String("task_id", id), slog.String("error", err.Error()))
		}
	}
	if h.repo != nil {
		snap, err := h.repo.GetByID(ctx, id)
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
		if !errors.As(err, &notFound) {
			h.logger.Error("postgres error", slog.String("task_id", id), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve case")
			return
		}
	}
	writeError(w, http.StatusNotFound, "case not found")
}

// CaseHistory handles GET /api/v1/cases/{id}/history.
func (h *REST) CaseHistory(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusNotImplemented, "audit trail is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	history, err := h.repo.History(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if len(history) == 0 {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// CancelCase handles DELETE /api/v1/cases/{id}.
func (h *REST) CancelCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.cases.GetTaskStatus(id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{CaseID: id, Cancelled: h.cases.CancelTask(r.Context(), id)})
}

// SubmitDocuments handles POST /api/v1/cases/{id}/documents.
func (h *REST) SubmitDocuments(w http.ResponseWriter, r *http.Request) {
	var req DocumentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := h.cases.SubmitDocuments(r.Context(), chi.URLParam(r, "id"), req.Documents...)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task.Snapshot())
}

// RetryCase handles POST /api/v1/cases/{id}/retry.
func (h *REST) RetryCase(w http.ResponseWriter, r *http.Request) {
	task, err := h.cases.RetryTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task.Snapshot())
}

// UserCases handles GET /api/v1/users/{userID}/cases?state=.
func (h *REST) UserCases(w http.ResponseWriter, r *http.Request) {
	var filter *domain.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		s, err := domain.ParseState(raw)
		if err != nil {
			h.fail(w, err)
			return
		}
		filter = &s
	}
	tasks := h.cases.GetUserTasks(chi.URLParam(r, "userID"), filter)
	out := make([]domain.Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

// Stats handles GET /api/v1/stats.
func (h *REST) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.cases.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail maps domain errors to HTTP status codes.
func (h *REST) fail(w http.ResponseWriter, err error) {
	var (
		notFound *domain.TaskNotFoundError
		invalid  *domain.InvalidTransitionError
		precond  *domain.PreconditionError
		busy     *domain.TaskBusyError
		full     *domain.QueueFullError
		badCat   *domain.InvalidCategoryError
		badState *domain.InvalidStateError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &badCat), errors.As(err, &badState):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &invalid), errors.As(err, &precond), errors.As(err, &busy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &full):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
