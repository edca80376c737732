package handlers

import (
	"context"
	"fmt"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/portal"
)

// maxVehicleAge is the age in years from which a vehicle is refused.
const maxVehicleAge = 10

// MobilityHandler handles vehicle and licence procedures on the ANTS portal.
type MobilityHandler struct {
	base
}

// NewMobilityHandler creates a MobilityHandler submitting through connector.
func NewMobilityHandler(machine *domain.StateMachine, connector portal.Connector, opts ...Option) *MobilityHandler {
	return &MobilityHandler{base: newBase(domain.CategoryMobility, "/demarches", mobilityPayload, machine, connector, opts)}
}

func (h *MobilityHandler) ProcessTask(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	return h.run(ctx, h, task, plan{
		start:     20,
		validated: 50,
		stages: []stage{
			{name: "extract", progress: 70, run: h.extract},
			{name: "eligibility", progress: 85, run: h.checkEligibility},
		},
	})
}

func (h *MobilityHandler) extract(ctx context.Context, task *domain.Task) error {
	data, err := h.inspector.Extract(ctx, task)
	if err != nil {
		return fmt.Errorf("extract vehicle data: %w", err)
	}
	task.SetMeta(MetaVehicleData, data)
	return nil
}

func (h *MobilityHandler) checkEligibility(_ context.Context, task *domain.Task) error {
	year, ok := number(metaMap(task, MetaVehicleData)["annee"])
	if !ok {
		return fmt.Errorf("check eligibility: vehicle year unknown")
	}
	age := h.now().Year() - int(year)
	if age >= maxVehicleAge {
		return fmt.Errorf("not eligible: vehicle is %d years old (limit %d)", age, maxVehicleAge)
	}
	return nil
}

func mobilityPayload(task *domain.Task) map[string]any {
	return map[string]any{
		"vehicle": metaMap(task, MetaVehicleData),
	}
}
