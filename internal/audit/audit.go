package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"casework/internal/domain"
)

var ErrNotFound = errors.New("audit event not found")

// Writer appends audit rows. Append must be called in the same transaction as
// the case mutation it records.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Record is the per-event detail not derivable from the committed case view.
type Record struct {
	EventID        string
	EventName      string
	Summary        string
	Description    string
	User           domain.User
	IdempotencyKey *string
}

// Append writes one audit row snapshotting the committed case view and
// returns the assigned event id. At most one row may exist per
// (case, idempotency key); the unique index makes a violation impossible to
// commit.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record, view domain.CaseRecord) (int64, error) {
	ts := w.now().UTC().Format(time.RFC3339Nano)
	var id int64
	err := tx.QueryRowContext(ctx, `
INSERT INTO case_events (
    case_id, event_id, event_name, user_id, user_first_name, user_last_name,
    data, state_id, state_name, summary, description,
    security_classification, version, revision, idempotency_key, created_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
RETURNING id`,
		view.ID, rec.EventID, nullable(rec.EventName), rec.User.ID,
		nullable(rec.User.FirstName), nullable(rec.User.LastName),
		string(view.Data), view.State, nullable(view.State),
		nullable(rec.Summary), nullable(rec.Description),
		string(view.Classification), view.Version, view.Revision,
		rec.IdempotencyKey, ts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append audit event %s: %w", rec.EventID, err)
	}
	return id, nil
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

const eventColumns = `ce.id, ce.case_id, cd.reference, ce.event_id, ce.event_name,
       ce.user_id, ce.user_first_name, ce.user_last_name,
       ce.data, ce.state_id, ce.state_name, ce.summary, ce.description,
       ce.security_classification, ce.version, ce.revision, ce.idempotency_key, ce.created_at`

// LoadHistory returns all audit events for a case, newest first. Assignment
// order matches revision order.
func (w Writer) LoadHistory(ctx context.Context, reference string) ([]domain.AuditEvent, error) {
	rows, err := w.DB.QueryContext(ctx, `
SELECT `+eventColumns+`
  FROM case_events ce
  JOIN cases cd ON cd.id = ce.case_id
 WHERE cd.reference = ?
 ORDER BY ce.id DESC`, reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LoadEvent returns a single audit event by id.
func (w Writer) LoadEvent(ctx context.Context, reference string, eventID int64) (domain.AuditEvent, error) {
	row := w.DB.QueryRowContext(ctx, `
SELECT `+eventColumns+`
  FROM case_events ce
  JOIN cases cd ON cd.id = ce.case_id
 WHERE cd.reference = ? AND ce.id = ?`, reference, eventID)
	return scanEvent(row.Scan)
}

func scanEvent(scan func(dest ...any) error) (domain.AuditEvent, error) {
	var e domain.AuditEvent
	var eventName, firstName, lastName, stateName, summary, description, key sql.NullString
	var data, classification string
	err := scan(&e.ID, &e.CaseID, &e.CaseReference, &e.EventID, &eventName,
		&e.UserID, &firstName, &lastName,
		&data, &e.StateID, &stateName, &summary, &description,
		&classification, &e.Version, &e.Revision, &key, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.EventName = eventName.String
	e.UserFirstName = firstName.String
	e.UserLastName = lastName.String
	e.StateName = stateName.String
	e.Summary = summary.String
	e.Description = description.String
	e.Data = []byte(data)
	e.Classification = domain.SecurityClassification(classification)
	if key.Valid {
		e.IdempotencyKey = &key.String
	}
	return e, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
