package domain

import "time"

// CaseRequest is the inbound shape of a new case, shared by the REST API and
// the Kafka intake. Field rules are expressed as validator tags.
type CaseRequest struct {
	UserID             string     `json:"user_id" validate:"required,max=128"`
	Category           string     `json:"category" validate:"required,oneof=fiscal health mobility housing employment"`
	Title              string     `json:"title" validate:"max=256"`
	Description        string     `json:"description" validate:"max=4096"`
	Deadline           *time.Time `json:"deadline,omitempty"`
	RequiredDocuments  []string   `json:"required_documents" validate:"dive,required,max=64"`
	SubmittedDocuments []string   `json:"submitted_documents" validate:"dive,required,max=64"`
}

// NewTask builds a CREATED task from the request.
func (r CaseRequest) NewTask() (*Task, error) {
	category, err := ParseCategory(r.Category)
	if err != nil {
		return nil, err
	}
	opts := []TaskOption{
		WithTitle(r.Title),
		WithDescription(r.Description),
		WithRequiredDocuments(r.RequiredDocuments...),
		WithSubmittedDocuments(r.SubmittedDocuments...),
	}
	if r.Deadline != nil {
		opts = append(opts, WithDeadline(*r.Deadline))
	}
	return NewTask(r.UserID, category, opts...), nil
}
