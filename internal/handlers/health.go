package handlers

import (
	"context"
	"fmt"
	"math"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/portal"
)

// Reimbursement shares for a specialist consultation.
const (
	cpamRate     = 0.70
	mutuelleRate = 0.30
)

// HealthHandler computes CPAM and mutuelle reimbursements and files the
// claim on the health insurance portal.
type HealthHandler struct {
	base
}

// NewHealthHandler creates a HealthHandler submitting through connector.
func NewHealthHandler(machine *domain.StateMachine, connector portal.Connector, opts ...Option) *HealthHandler {
	return &HealthHandler{base: newBase(domain.CategoryHealth, "/remboursements", healthPayload, machine, connector, opts)}
}

func (h *HealthHandler) ProcessTask(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	return h.run(ctx, h, task, plan{
		start:     15,
		validated: 40,
		stages: []stage{
			{name: "extract", progress: 60, run: h.extract},
			{name: "reimbursement", progress: 80, run: h.reimburse},
		},
	})
}

func (h *HealthHandler) extract(ctx context.Context, task *domain.Task) error {
	data, err := h.inspector.Extract(ctx, task)
	if err != nil {
		return fmt.Errorf("extract health data: %w", err)
	}
	task.SetMeta(MetaHealthData, data)
	return nil
}

func (h *HealthHandler) reimburse(_ context.Context, task *domain.Task) error {
	total, ok := number(metaMap(task, MetaHealthData)["montant_total"])
	if !ok || total < 0 {
		return fmt.Errorf("compute reimbursement: missing or invalid montant_total")
	}
	task.SetMeta(MetaReimbursement, Reimbursement(total))
	return nil
}

// Reimbursement splits amount between CPAM and the mutuelle.
func Reimbursement(amount float64) map[string]any {
	cpam := round2(amount * cpamRate)
	mutuelle := round2(amount * mutuelleRate)
	return map[string]any{
		"montant_initial": amount,
		"cpam":            map[string]any{"taux": cpamRate, "montant": cpam},
		"mutuelle":        map[string]any{"taux": mutuelleRate, "montant": mutuelle},
		"reste_a_charge":  math.Max(0, round2(amount-cpam-mutuelle)),
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func healthPayload(task *domain.Task) map[string]any {
	return map[string]any{
		"care":          metaMap(task, MetaHealthData),
		"reimbursement": metaMap(task, MetaReimbursement),
	}
}
