package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"casework/internal/domain"
)

// Event is one submission request against a case.
type Event struct {
	CaseReference   string
	CaseTypeID      string
	EventID         string
	Jurisdiction    string
	State           string
	Data            json.RawMessage
	Classification  domain.SecurityClassification
	ExpectedVersion *int64
	IdempotencyKey  string
	User            domain.User
	Summary         string
	Description     string
	// Before is the case as stored prior to this submission, nil on
	// first-time creation. Populated by the coordinator.
	Before *domain.CaseRecord
}

// TaskRequest asks the outbox to perform an external task action after the
// mutation commits.
type TaskRequest struct {
	Action  domain.TaskAction
	Payload any
}

// Confirmation is the user-facing acknowledgement text of a submission.
type Confirmation struct {
	Header string
	Body   string
}

// Outcome is what a handler decided: the proposed mutation pieces (zero
// values mean "keep what the event proposed"), warnings, side effects, and
// an optional post-commit step that must not affect the committed state.
type Outcome struct {
	Data           json.RawMessage
	State          string
	Classification domain.SecurityClassification
	Warnings       []string
	Confirmation   Confirmation
	Tasks          []TaskRequest
	PostCommit     func(ctx context.Context, view domain.CaseRecord) (Confirmation, error)
}

// Handler is a single submission strategy. Implementations decide how an
// event is applied; orchestration stays with the Coordinator.
type Handler interface {
	Apply(ctx context.Context, ev *Event) (Outcome, error)
}

// ValidationError aborts a submission before any write. Safe to retry once
// the client fixes its input.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

// SubmitResult is the full outcome an explicit submit function returns in a
// single call.
type SubmitResult struct {
	Data               json.RawMessage
	State              string
	Classification     domain.SecurityClassification
	Errors             []string
	Warnings           []string
	ConfirmationHeader string
	ConfirmationBody   string
	Tasks              []TaskRequest
}

// AboutToSubmitResponse is what a legacy pre-write callback may change or
// reject.
type AboutToSubmitResponse struct {
	Data           json.RawMessage
	State          string
	Classification domain.SecurityClassification
	Errors         []string
	Warnings       []string
}

type (
	SubmitFunc        func(ctx context.Context, ev *Event) (SubmitResult, error)
	AboutToSubmitFunc func(ctx context.Context, ev *Event) (AboutToSubmitResponse, error)
	SubmittedFunc     func(ctx context.Context, ev *Event, view domain.CaseRecord) (Confirmation, error)
)

// explicitHandler runs a configured submit function that returns a complete
// outcome in one call.
type explicitHandler struct {
	cfg EventConfig
}

func (h explicitHandler) Apply(ctx context.Context, ev *Event) (Outcome, error) {
	res, err := h.cfg.Submit(ctx, ev)
	if err != nil {
		return Outcome{}, fmt.Errorf("submit handler for %s: %w", h.cfg.ID, err)
	}
	if len(res.Errors) > 0 {
		return Outcome{}, &ValidationError{Errors: res.Errors, Warnings: res.Warnings}
	}
	return Outcome{
		Data:           res.Data,
		State:          res.State,
		Classification: res.Classification,
		Warnings:       res.Warnings,
		Confirmation: Confirmation{
			Header: res.ConfirmationHeader,
			Body:   res.ConfirmationBody,
		},
		Tasks: res.Tasks,
	}, nil
}

// legacyHandler runs the multi-phase callback flow: an about-to-submit
// callback before any write, and a submitted callback after commit.
type legacyHandler struct {
	cfg EventConfig
}

func (h legacyHandler) Apply(ctx context.Context, ev *Event) (Outcome, error) {
	var out Outcome
	if h.cfg.AboutToSubmit != nil {
		res, err := h.cfg.AboutToSubmit(ctx, ev)
		if err != nil {
			return out, fmt.Errorf("about-to-submit callback for %s: %w", h.cfg.ID, err)
		}
		if len(res.Errors) > 0 {
			return out, &ValidationError{Errors: res.Errors, Warnings: res.Warnings}
		}
		out.Data = res.Data
		out.State = res.State
		out.Classification = res.Classification
		out.Warnings = res.Warnings
	}
	if h.cfg.Submitted != nil {
		submitted := h.cfg.Submitted
		retries := h.cfg.SubmittedRetries
		if retries <= 0 {
			retries = 1
		}
		eventID := h.cfg.ID
		out.PostCommit = func(ctx context.Context, view domain.CaseRecord) (Confirmation, error) {
			var lastErr error
			for attempt := 0; attempt < retries; attempt++ {
				conf, err := submitted(ctx, ev, view)
				if err == nil {
					return conf, nil
				}
				lastErr = err
				log.Printf("submit: submitted callback for %s failed (attempt %d): %v", eventID, attempt+1, err)
			}
			return Confirmation{}, lastErr
		}
	}
	return out, nil
}
