package kafka

import (
	"time"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
)

// Topics used by the orchestrator.
const (
	TopicTransitions = "cases.transitions"
	TopicRequests    = "cases.requests"
	TopicDLQ         = "cases.dlq"
)

// Event types carried in the event-type header.
const (
	EventTransitioned = "case.transitioned"
	EventRejected     = "case.request_rejected"
)

// TransitionEvent is published after every committed state change.
type TransitionEvent struct {
	CaseID       string          `json:"case_id"`
	UserID       string          `json:"user_id"`
	Category     domain.Category `json:"category"`
	From         domain.State    `json:"from_state"`
	To           domain.State    `json:"to_state"`
	Priority     domain.Priority `json:"priority"`
	Progress     float64         `json:"progress"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Context      map[string]any  `json:"context,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// RejectedRequest is what the intake sends to the dead-letter topic.
type RejectedRequest struct {
	Reason string `json:"reason"`
	Raw    string `json:"raw"`
}
