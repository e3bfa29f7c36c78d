package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"casework/internal/domain"
)

// Poller claims eligible outbox rows and dispatches them to the task service.
// Multiple instances may run in parallel; the conditional MarkProcessing
// transition prevents double execution.
type Poller struct {
	Store    Store
	Client   TaskAPI
	Policy   RetryPolicy
	Batch    int
	Interval time.Duration
	Now      func() time.Time
}

func (p Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run polls on a fixed interval until the context is cancelled.
func (p Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		if err := p.Poll(ctx); err != nil {
			log.Printf("outbox: poll cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one claim/dispatch cycle.
func (p Poller) Poll(ctx context.Context) error {
	records, err := p.Store.FindPending(ctx, p.Batch, p.Policy.MaxAttempts)
	if err != nil {
		return err
	}
	for _, rec := range records {
		claimed, err := p.Store.MarkProcessing(ctx, rec.ID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		p.dispatch(ctx, rec)
	}
	return nil
}

type taskCreateResponse struct {
	TaskID string `json:"task_id"`
}

func (p Poller) dispatch(ctx context.Context, rec domain.OutboxRecord) {
	res, err := p.Client.Do(ctx, rec.Action, rec.Payload)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			log.Printf("outbox: record %d %s failed with status %d: %s", rec.ID, rec.Action, statusErr.Code, statusErr.Body)
			p.fail(ctx, rec, &statusErr.Code, statusErr.Body)
			return
		}
		log.Printf("outbox: record %d %s failed: %v", rec.ID, rec.Action, err)
		p.fail(ctx, rec, nil, err.Error())
		return
	}

	if rec.Action == domain.TaskInitiate {
		var created taskCreateResponse
		if jsonErr := json.Unmarshal(res.Body, &created); jsonErr != nil || created.TaskID == "" {
			log.Printf("outbox: record %d create response missing task_id with status %d", rec.ID, res.Code)
			p.fail(ctx, rec, &res.Code, "task creation response missing task_id")
			return
		}
	}

	if err := p.Store.MarkProcessed(ctx, rec.ID, res.Code); err != nil {
		log.Printf("outbox: record %d mark processed failed: %v", rec.ID, err)
		return
	}
	log.Printf("outbox: record %d processed with status %d", rec.ID, res.Code)
}

func (p Poller) fail(ctx context.Context, rec domain.OutboxRecord, statusCode *int, msg string) {
	nextAttemptCount := rec.AttemptCount + 1
	nextAttemptAt := p.Policy.NextAttemptAt(nextAttemptCount, p.now())
	if err := p.Store.MarkFailed(ctx, rec.ID, statusCode, msg, nextAttemptAt); err != nil {
		log.Printf("outbox: record %d mark failed errored: %v", rec.ID, err)
		return
	}
	if nextAttemptAt == nil {
		log.Printf("outbox: record %d retries exhausted after %d attempts", rec.ID, nextAttemptCount)
	} else {
		log.Printf("outbox: record %d failed, retrying at %s", rec.ID, nextAttemptAt.UTC().Format(time.RFC3339))
	}
}
