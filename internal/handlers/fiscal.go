package handlers

import (
	"context"
	"fmt"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/portal"
)

// FiscalHandler prepares income declarations (form 2042) and files them on
// the tax portal.
type FiscalHandler struct {
	base
}

// NewFiscalHandler creates a FiscalHandler submitting through connector.
func NewFiscalHandler(machine *domain.StateMachine, connector portal.Connector, opts ...Option) *FiscalHandler {
	return &FiscalHandler{base: newBase(domain.CategoryFiscal, "/declarations", fiscalPayload, machine, connector, opts)}
}

func (h *FiscalHandler) ProcessTask(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	return h.run(ctx, h, task, plan{
		start:     10,
		validated: 30,
		stages: []stage{
			{name: "extract", progress: 50, run: h.extract},
			{name: "prepare_form", progress: 70, run: h.prepareForm},
		},
		submitted: 90,
	})
}

func (h *FiscalHandler) extract(ctx context.Context, task *domain.Task) error {
	data, err := h.inspector.Extract(ctx, task)
	if err != nil {
		return fmt.Errorf("extract fiscal data: %w", err)
	}
	task.SetMeta(MetaFiscalData, data)
	return nil
}

func (h *FiscalHandler) prepareForm(_ context.Context, task *domain.Task) error {
	data := metaMap(task, MetaFiscalData)
	if data == nil {
		return fmt.Errorf("prepare form 2042: no fiscal data")
	}
	task.SetMeta(MetaFormData, map[string]any{
		"form_type": "2042",
		"fields": map[string]any{
			"1AJ": data["revenus_annuels"],
			"6DD": data["charges_deductibles"],
			"V":   data["nombre_parts"],
		},
		"annexes": []string{},
	})
	return nil
}

func fiscalPayload(task *domain.Task) map[string]any {
	return map[string]any{
		"form": metaMap(task, MetaFormData),
	}
}
