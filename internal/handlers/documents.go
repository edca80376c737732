package handlers

import (
	"context"
	"fmt"
	"maps"
	"sort"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
)

// Document types recognised by the built-in handlers.
const (
	DocAvisImposition       = "avis_imposition"
	DocFeuilleSoins         = "feuille_soins"
	DocCarteGrise           = "carte_grise"
	DocPermisConduire       = "permis_conduire"
	DocJustificatifDomicile = "justificatif_domicile"
	DocBulletinSalaire      = "bulletin_salaire"
	DocFacture              = "facture"
)

// DocumentInspector reads submitted documents. It validates each document's
// content and extracts the structured data a handler works from.
type DocumentInspector interface {
	ValidateContent(ctx context.Context, task *domain.Task, docID string) (bool, error)
	Extract(ctx context.Context, task *domain.Task) (map[string]any, error)
}

// StaticInspector accepts every document except those listed in Invalid and
// returns fixed extraction data per category.
type StaticInspector struct {
	Invalid map[string]bool
	Data    map[domain.Category]map[string]any
}

// NewStaticInspector returns an inspector preloaded with sample data for the
// fiscal, health and mobility categories.
func NewStaticInspector() *StaticInspector {
	return &StaticInspector{
		Invalid: map[string]bool{},
		Data: map[domain.Category]map[string]any{
			domain.CategoryFiscal: {
				"revenus_annuels":     45000.00,
				"charges_deductibles": 3500.00,
				"nombre_parts":        2.0,
				"situation_familiale": "marie",
				"nombre_enfants":      1,
				"annee_fiscale":       2024,
			},
			domain.CategoryHealth: {
				"type_acte":     "consultation_specialiste",
				"montant_total": 150.00,
				"date_soin":     "2025-02-01",
				"prescripteur":  "Dr. Martin",
			},
			domain.CategoryMobility: {
				"immatriculation":   "AB-123-CD",
				"marque":            "Renault",
				"modele":            "Clio",
				"annee":             2020,
				"puissance_fiscale": 5,
			},
		},
	}
}

func (s *StaticInspector) ValidateContent(ctx context.Context, _ *domain.Task, docID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return !s.Invalid[docID], nil
}

func (s *StaticInspector) Extract(ctx context.Context, task *domain.Task) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := s.Data[task.Category]
	if !ok {
		return nil, fmt.Errorf("no extraction data for category %s", task.Category)
	}
	return maps.Clone(data), nil
}

// validateDocuments compares required against submitted documents, then
// checks each submitted document's content. Diagnostics are written to the
// missing_documents and invalid_documents metadata keys.
func validateDocuments(ctx context.Context, inspector DocumentInspector, task *domain.Task) (bool, error) {
	missing := task.MissingDocuments()
	if len(missing) > 0 {
		task.SetMeta(MetaMissingDocuments, missing)
		return false, nil
	}
	submitted := task.SubmittedDocuments()
	if len(submitted) == 0 {
		task.SetMeta(MetaMissingDocuments, []string{})
		task.SetMeta(MetaValidationError, "no documents submitted")
		return false, nil
	}

	var invalid []string
	for _, doc := range submitted {
		ok, err := inspector.ValidateContent(ctx, task, doc)
		if err != nil {
			return false, fmt.Errorf("validate document %s: %w", doc, err)
		}
		if !ok {
			invalid = append(invalid, doc)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		task.SetMeta(MetaInvalidDocuments, invalid)
		return false, nil
	}
	return true, nil
}
