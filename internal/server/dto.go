package server

import (
	"encoding/json"

	"casework/internal/domain"
)

// SubmitRequest is the body of POST /cases/{reference}/events.
type SubmitRequest struct {
	EventID         string          `json:"event_id" example:"applyDecision"`
	CaseTypeID      string          `json:"case_type_id" example:"GrantOfRepresentation"`
	Jurisdiction    string          `json:"jurisdiction,omitempty" example:"PROBATE"`
	State           string          `json:"state,omitempty" example:"CaseCreated"`
	Data            json.RawMessage `json:"data,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Classification  string          `json:"security_classification,omitempty" enum:",PUBLIC,PRIVATE,RESTRICTED"`
	ExpectedVersion *int64          `json:"expected_version,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	Description     string          `json:"description,omitempty"`
}

type CaseListResponse struct {
	Cases []domain.CaseRecord `json:"cases"`
}

type EventListResponse struct {
	Events []domain.AuditEvent `json:"events"`
}

type OutboxListResponse struct {
	Records []domain.OutboxRecord `json:"records"`
}
