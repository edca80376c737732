// Package postgres persists cases and their transition audit trail.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/postgres/migrations"
)

// Transition is one audited state change.
type Transition struct {
	ID             string         `json:"id"`
	CaseID         string         `json:"case_id"`
	From           domain.State   `json:"from_state"`
	To             domain.State   `json:"to_state"`
	TransitionedBy string         `json:"transitioned_by"`
	Context        map[string]any `json:"context,omitempty"`
	TransitionedAt time.Time      `json:"transitioned_at"`
}

// CaseRepository abstracts all database access for cases.
type CaseRepository interface {
	// SaveTransition upserts the case row and appends the transition, in one
	// database transaction.
	SaveTransition(ctx context.Context, snap domain.Snapshot, tr *Transition) error
	GetByID(ctx context.Context, id string) (domain.Snapshot, error)
	ListByUser(ctx context.Context, userID string, state *domain.State, limit int) ([]domain.Snapshot, error)
	History(ctx context.Context, caseID string) ([]Transition, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the CaseRepository interface.
func NewRepository(pool *pgxpool.Pool) CaseRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in order. Migrations are
// idempotent, so running them twice is harmless.
func Migrate(ctx context.Context, pool *pgxpool.Pool, applied func(name string)) error {
	for _, f := range migrations.Files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", f, err)
		}
		if applied != nil {
			applied(f)
		}
	}
	return nil
}

func (r *repository) SaveTransition(ctx context.Context, snap domain.Snapshot, tr *Transition) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.TransitionedAt.IsZero() {
		tr.TransitionedAt = snap.UpdatedAt
	}
	meta, err := json.Marshal(snap.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata for case %s: %w", snap.ID, err)
	}
	tctx, err := json.Marshal(tr.Context)
	if err != nil {
		return fmt.Errorf("marshal transition context for case %s: %w", snap.ID, err)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO cases
				(id, user_id, title, description, category, state, priority, progress,
				 required_documents, submitted_documents, metadata, error_message,
				 deadline, created_at, updated_at)
			VALUES
				($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO UPDATE SET
				state               = EXCLUDED.state,
				priority            = EXCLUDED.priority,
				progress            = EXCLUDED.progress,
				submitted_documents = EXCLUDED.submitted_documents,
				metadata            = EXCLUDED.metadata,
				error_message       = EXCLUDED.error_message,
				updated_at          = EXCLUDED.updated_at
		`,
			snap.ID, snap.UserID, snap.Title, snap.Description, string(snap.Category),
			string(snap.State), string(snap.Priority), snap.Progress,
			nonNil(snap.RequiredDocuments), nonNil(snap.SubmittedDocuments), meta, snap.ErrorMessage,
			snap.Deadline, snap.CreatedAt, snap.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert case %s: %w", snap.ID, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO case_state_transitions
				(id, case_id, from_state, to_state, transitioned_by, context, transitioned_at)
			VALUES
				($1, $2, $3, $4, $5, $6, $7)
		`,
			tr.ID, snap.ID, string(tr.From), string(tr.To), tr.TransitionedBy, tctx, tr.TransitionedAt,
		)
		if err != nil {
			return fmt.Errorf("record transition for case %s: %w", snap.ID, err)
		}
		return nil
	})
}

const selectCase = `
	SELECT id, user_id, title, description, category, state, priority, progress,
	       required_documents, submitted_documents, metadata, error_message,
	       deadline, created_at, updated_at
	FROM cases`

func (r *repository) GetByID(ctx context.Context, id string) (domain.Snapshot, error) {
	row := r.pool.QueryRow(ctx, selectCase+` WHERE id = $1`, id)
	snap, err := scanCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Snapshot{}, &domain.TaskNotFoundError{TaskID: id}
	}
	return snap, err
}

func (r *repository) ListByUser(ctx context.Context, userID string, state *domain.State, limit int) ([]domain.Snapshot, error) {
	var filter *string
	if state != nil {
		s := string(*state)
		filter = &s
	}
	rows, err := r.pool.Query(ctx, selectCase+`
		WHERE user_id = $1 AND ($2::text IS NULL OR state = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("list cases for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.Snapshot
	for rows.Next() {
		snap, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (r *repository) History(ctx context.Context, caseID string) ([]Transition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, case_id, from_state, to_state, transitioned_by, context, transitioned_at
		FROM case_state_transitions
		WHERE case_id = $1
		ORDER BY transitioned_at, id
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("history for case %s: %w", caseID, err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var from, to string
		var raw []byte
		if err := rows.Scan(&tr.ID, &tr.CaseID, &from, &to, &tr.TransitionedBy, &raw, &tr.TransitionedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From, tr.To = domain.State(from), domain.State(to)
		if err := json.Unmarshal(raw, &tr.Context); err != nil {
			return nil, fmt.Errorf("decode transition context: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// scanCase reads a case row from any pgx row type. pgx.ErrNoRows is
// returned unwrapped.
func scanCase(row interface {
	Scan(...any) error
}) (domain.Snapshot, error) {
	var snap domain.Snapshot
	var category, state, priority string
	var meta []byte
	err := row.Scan(
		&snap.ID, &snap.UserID, &snap.Title, &snap.Description, &category, &state, &priority, &snap.Progress,
		&snap.RequiredDocuments, &snap.SubmittedDocuments, &meta, &snap.ErrorMessage,
		&snap.Deadline, &snap.CreatedAt, &snap.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return snap, err
		}
		return snap, fmt.Errorf("scan case: %w", err)
	}
	snap.Category = domain.Category(category)
	snap.State = domain.State(state)
	snap.Priority = domain.Priority(priority)
	if err := json.Unmarshal(meta, &snap.Metadata); err != nil {
		return snap, fmt.Errorf("decode case metadata: %w", err)
	}
	return snap, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
