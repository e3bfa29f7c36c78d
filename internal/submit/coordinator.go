package submit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"casework/internal/audit"
	"casework/internal/casestore"
	"casework/internal/domain"
	"casework/internal/messaging"
	"casework/internal/outbox"
)

// Response is the synchronous result of a submission. Errors set means the
// handler rejected the mutation and nothing was written.
type Response struct {
	Case               domain.CaseRecord `json:"case"`
	EventID            int64             `json:"event_id,omitempty"`
	Errors             []string          `json:"errors,omitempty"`
	Warnings           []string          `json:"warnings,omitempty"`
	ConfirmationHeader string            `json:"confirmation_header,omitempty"`
	ConfirmationBody   string            `json:"confirmation_body,omitempty"`
	// Duplicate marks a replayed response for an already-processed
	// idempotency key.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Coordinator orchestrates a submission: idempotency gate, handler, case
// upsert, audit append and outbox enqueues, all in one transaction.
type Coordinator struct {
	DB          *sql.DB
	Cases       casestore.Store
	Gate        casestore.Gate
	Audit       audit.Writer
	Outbox      outbox.Store
	Messages    messaging.Store
	Registry    *Registry
	MessageType string
	Now         func() time.Time
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Submit applies one event exactly once. Retries carrying the same
// idempotency key replay the recorded outcome; concurrent writers against a
// stale version receive casestore.ErrConflict with nothing written.
func (c *Coordinator) Submit(ctx context.Context, ev Event) (Response, error) {
	cfg, err := c.Registry.RequiredEvent(ev.CaseTypeID, ev.EventID)
	if err != nil {
		return Response{}, err
	}
	handler := handlerFor(cfg)

	before, err := c.Cases.GetByReference(ctx, ev.CaseReference)
	switch {
	case err == nil:
		ev.Before = &before
	case errors.Is(err, casestore.ErrNotFound):
		// first submission for this reference
	default:
		return Response{}, err
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return Response{}, err
	}
	defer tx.Rollback()

	existingEventID, err := c.Gate.LockAndCheck(ctx, tx, ev.CaseReference, ev.IdempotencyKey)
	if err != nil {
		return Response{}, err
	}
	if existingEventID != nil {
		if err := tx.Commit(); err != nil {
			return Response{}, err
		}
		return c.replay(ctx, ev.CaseReference, *existingEventID)
	}

	outcome, err := handler.Apply(ctx, &ev)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			return Response{Errors: vErr.Errors, Warnings: vErr.Warnings}, nil
		}
		return Response{}, err
	}

	state := ev.State
	if outcome.State != "" {
		if err := validateStateOverride(cfg, outcome.State); err != nil {
			var vErr *ValidationError
			if errors.As(err, &vErr) {
				return Response{Errors: vErr.Errors, Warnings: vErr.Warnings}, nil
			}
			return Response{}, err
		}
		state = outcome.State
	}
	classification := ev.Classification
	if outcome.Classification != "" {
		classification = outcome.Classification
	}
	if classification == "" {
		classification = domain.ClassificationPublic
	}
	data := ev.Data
	if outcome.Data != nil {
		data = outcome.Data
	}

	if _, err := c.Cases.Upsert(ctx, tx, casestore.Mutation{
		Reference:       ev.CaseReference,
		Jurisdiction:    ev.Jurisdiction,
		CaseTypeID:      ev.CaseTypeID,
		State:           state,
		Data:            data,
		Classification:  classification,
		ExpectedVersion: ev.ExpectedVersion,
	}); err != nil {
		return Response{}, err
	}

	view, err := c.Cases.GetByReferenceTx(ctx, tx, ev.CaseReference)
	if err != nil {
		return Response{}, fmt.Errorf("read back case %s: %w", ev.CaseReference, err)
	}

	idempotencyKey := ev.IdempotencyKey
	var keyPtr *string
	if idempotencyKey != "" {
		keyPtr = &idempotencyKey
	}
	eventID, err := c.Audit.Append(ctx, tx, audit.Record{
		EventID:        ev.EventID,
		EventName:      cfg.Name,
		Summary:        ev.Summary,
		Description:    ev.Description,
		User:           ev.User,
		IdempotencyKey: keyPtr,
	}, view)
	if err != nil {
		return Response{}, err
	}

	for _, task := range outcome.Tasks {
		payload, err := json.Marshal(task.Payload)
		if err != nil {
			return Response{}, fmt.Errorf("marshal task payload for %s: %w", task.Action, err)
		}
		if err := c.Outbox.Enqueue(ctx, tx, ev.CaseReference, ev.CaseTypeID, task.Action, string(payload)); err != nil {
			return Response{}, err
		}
	}

	if cfg.Publish {
		if err := c.enqueueMessage(ctx, tx, ev, view, eventID); err != nil {
			return Response{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Response{}, err
	}

	resp := Response{
		Case:               view,
		EventID:            eventID,
		Warnings:           outcome.Warnings,
		ConfirmationHeader: outcome.Confirmation.Header,
		ConfirmationBody:   outcome.Confirmation.Body,
	}

	// The mutation is durably committed; post-commit callbacks are
	// best-effort and never turn a committed submission into a failure.
	if outcome.PostCommit != nil {
		conf, err := outcome.PostCommit(ctx, view)
		if err != nil {
			log.Printf("submit: post-commit step for %s on case %s failed: %v", ev.EventID, ev.CaseReference, err)
		} else {
			if conf.Header != "" {
				resp.ConfirmationHeader = conf.Header
			}
			if conf.Body != "" {
				resp.ConfirmationBody = conf.Body
			}
		}
	}
	return resp, nil
}

// replay rebuilds the response of a previously processed submission from its
// audit snapshot, without re-running the handler.
func (c *Coordinator) replay(ctx context.Context, reference string, eventID int64) (Response, error) {
	view, err := c.Cases.CaseAtEvent(ctx, reference, eventID)
	if errors.Is(err, casestore.ErrNotFound) {
		view, err = c.Cases.GetByReference(ctx, reference)
	}
	if err != nil {
		return Response{}, err
	}
	return Response{Case: view, EventID: eventID, Duplicate: true}, nil
}

func validateStateOverride(cfg EventConfig, requested string) error {
	if len(cfg.PostStates) == 0 {
		return nil
	}
	for _, allowed := range cfg.PostStates {
		if allowed == requested {
			return nil
		}
	}
	return &ValidationError{
		Errors: []string{fmt.Sprintf("state %q is not permitted for event %q", requested, cfg.ID)},
	}
}

func (c *Coordinator) enqueueMessage(ctx context.Context, tx *sql.Tx, ev Event, view domain.CaseRecord, eventID int64) error {
	now := c.now().UTC()
	previousState := ""
	if ev.Before != nil {
		previousState = ev.Before.State
	}
	info := domain.MessageInformation{
		CaseID:          view.Reference,
		JurisdictionID:  view.Jurisdiction,
		CaseTypeID:      view.CaseTypeID,
		EventInstanceID: eventID,
		EventTimestamp:  now.Format(time.RFC3339Nano),
		EventID:         ev.EventID,
		UserID:          ev.User.ID,
		PreviousStateID: previousState,
		NewStateID:      view.State,
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal message information: %w", err)
	}
	messageType := c.MessageType
	if messageType == "" {
		messageType = "CASE_EVENT"
	}
	return c.Messages.Enqueue(ctx, tx, view.Reference, messageType, now, payload)
}
