// Package portal is the API-connector layer used by handlers to submit
// cases to administrative portals.
package portal

import (
	"context"
	"strings"
	"time"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
)

// Request is a case submission addressed to a portal operation.
type Request struct {
	CaseID    string          `json:"case_id"`
	UserID    string          `json:"user_id"`
	Category  domain.Category `json:"category"`
	Operation string          `json:"operation"`
	Payload   map[string]any  `json:"payload"`
}

// Response is the portal's answer. A rejected submission is a valid
// Response with Accepted=false, not an error.
type Response struct {
	Accepted    bool           `json:"accepted"`
	Reference   string         `json:"reference,omitempty"`
	Message     string         `json:"message,omitempty"`
	StatusCode  int            `json:"status_code,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Data        map[string]any `json:"data,omitempty"`
}

// Connector submits requests to one portal.
type Connector interface {
	Name() string
	Submit(ctx context.Context, req Request) (Response, error)
	Ping(ctx context.Context) error
}

// Reference builds a portal reference from a prefix and the first eight
// characters of the case id, upper-cased.
func Reference(prefix, caseID string) string {
	id := strings.ReplaceAll(caseID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return prefix + strings.ToUpper(id)
}
