package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"casework/internal/domain"
)

var ErrNotFound = errors.New("outbox record not found")

// Store owns the task_outbox table. Rows are claimed via conditional state
// transitions, never long-held locks, so multiple poller instances are safe.
type Store struct {
	DB *sql.DB
	// ProcessingTimeout bounds a PROCESSING claim; once it lapses the row is
	// eligible again, so a crashed worker cannot orphan it.
	ProcessingTimeout time.Duration
	Now               func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Enqueue inserts a NEW row inside the submission transaction.
func (s Store) Enqueue(ctx context.Context, tx *sql.Tx, caseReference, caseTypeID string, action domain.TaskAction, payload string) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx, `
INSERT INTO task_outbox (case_reference, case_type_id, action, payload, status, created_at, updated_at)
VALUES (?,?,?,?,?,?,?)`,
		caseReference, caseTypeID, string(action), payload, string(domain.OutboxNew), now, now)
	if err != nil {
		return fmt.Errorf("enqueue outbox %s for case %s: %w", action, caseReference, err)
	}
	return nil
}

// FindPending returns up to limit eligible rows in id order. maxAttempts 0
// disables the ceiling.
func (s Store) FindPending(ctx context.Context, limit, maxAttempts int) ([]domain.OutboxRecord, error) {
	now := s.now().UTC().Format(time.RFC3339Nano)
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+outboxColumns+`
  FROM task_outbox
 WHERE status IN (?,?,?)
   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
   AND (? = 0 OR attempt_count < ?)
 ORDER BY id
 LIMIT ?`,
		string(domain.OutboxNew), string(domain.OutboxFailed), string(domain.OutboxProcessing),
		now, maxAttempts, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// MarkProcessing claims a row. The transition only succeeds while the row is
// still eligible; a false return means another poller got there first.
func (s Store) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	now := s.now().UTC()
	nowStr := now.Format(time.RFC3339Nano)
	claimUntil := now.Add(s.ProcessingTimeout).Format(time.RFC3339Nano)
	res, err := s.DB.ExecContext(ctx, `
UPDATE task_outbox
   SET status = ?, updated_at = ?, next_attempt_at = ?
 WHERE id = ?
   AND status IN (?,?,?)
   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)`,
		string(domain.OutboxProcessing), nowStr, claimUntil,
		id,
		string(domain.OutboxNew), string(domain.OutboxFailed), string(domain.OutboxProcessing),
		nowStr)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkProcessed records terminal success.
func (s Store) MarkProcessed(ctx context.Context, id int64, statusCode int) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err := s.DB.ExecContext(ctx, `
UPDATE task_outbox
   SET status = ?, processed_at = ?, updated_at = ?,
       last_response_code = ?, last_error = NULL, next_attempt_at = NULL
 WHERE id = ?`,
		string(domain.OutboxProcessed), now, now, statusCode, id)
	return err
}

// MarkFailed records a failed attempt. A nil nextAttemptAt leaves the row
// terminally failed, surfaced for operator inspection and never retried.
func (s Store) MarkFailed(ctx context.Context, id int64, statusCode *int, errMsg string, nextAttemptAt *time.Time) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	var next any
	if nextAttemptAt != nil {
		next = nextAttemptAt.UTC().Format(time.RFC3339Nano)
	}
	var code any
	if statusCode != nil {
		code = *statusCode
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE task_outbox
   SET status = ?, updated_at = ?, attempt_count = attempt_count + 1,
       last_response_code = ?, last_error = ?, next_attempt_at = ?
 WHERE id = ?`,
		string(domain.OutboxFailed), now, code, errMsg, next, id)
	return err
}

// Reset requeues a terminally failed row after operator intervention.
func (s Store) Reset(ctx context.Context, id int64) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	res, err := s.DB.ExecContext(ctx, `
UPDATE task_outbox
   SET status = ?, attempt_count = 0, next_attempt_at = NULL, updated_at = ?
 WHERE id = ? AND status = ?`,
		string(domain.OutboxNew), now, id, string(domain.OutboxFailed))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns recent rows for inspection, newest first.
func (s Store) List(ctx context.Context, status string, limit int) ([]domain.OutboxRecord, error) {
	query := `SELECT ` + outboxColumns + ` FROM task_outbox`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// Get returns one row by id.
func (s Store) Get(ctx context.Context, id int64) (domain.OutboxRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+outboxColumns+` FROM task_outbox WHERE id = ?`, id)
	if err != nil {
		return domain.OutboxRecord{}, err
	}
	defer rows.Close()
	recs, err := collect(rows)
	if err != nil {
		return domain.OutboxRecord{}, err
	}
	if len(recs) == 0 {
		return domain.OutboxRecord{}, ErrNotFound
	}
	return recs[0], nil
}

const outboxColumns = `id, case_reference, case_type_id, action, payload, status,
       attempt_count, next_attempt_at, last_response_code, last_error,
       created_at, updated_at, processed_at`

func collect(rows *sql.Rows) ([]domain.OutboxRecord, error) {
	var res []domain.OutboxRecord
	for rows.Next() {
		var r domain.OutboxRecord
		var action, status string
		var nextAttempt, lastError, processedAt sql.NullString
		var lastCode sql.NullInt64
		if err := rows.Scan(&r.ID, &r.CaseReference, &r.CaseTypeID, &action, &r.Payload, &status,
			&r.AttemptCount, &nextAttempt, &lastCode, &lastError,
			&r.CreatedAt, &r.UpdatedAt, &processedAt); err != nil {
			return nil, err
		}
		r.Action = domain.TaskAction(action)
		r.Status = domain.OutboxStatus(status)
		if nextAttempt.Valid {
			r.NextAttemptAt = &nextAttempt.String
		}
		if lastCode.Valid {
			code := int(lastCode.Int64)
			r.LastResponseCode = &code
		}
		if lastError.Valid {
			r.LastError = &lastError.String
		}
		if processedAt.Valid {
			r.ProcessedAt = &processedAt.String
		}
		res = append(res, r)
	}
	return res, rows.Err()
}
