package messaging

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"casework/internal/domain"
)

// Store owns the message_candidates table.
type Store struct {
	DB *sql.DB
	// ClaimWindow bounds how long a claimed candidate stays invisible to
	// other publisher instances before it becomes claimable again.
	// Zero means one minute.
	ClaimWindow time.Duration
	Now         func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) claimWindow() time.Duration {
	if s.ClaimWindow > 0 {
		return s.ClaimWindow
	}
	return time.Minute
}

// Enqueue records a candidate message inside the submission transaction.
func (s Store) Enqueue(ctx context.Context, tx *sql.Tx, caseReference, messageType string, timestamp time.Time, information []byte) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO message_candidates (case_reference, message_type, time_stamp, message_information)
VALUES (?,?,?,?)`,
		caseReference, messageType, timestamp.UTC().Format(time.RFC3339Nano), string(information))
	if err != nil {
		return fmt.Errorf("enqueue message for case %s: %w", caseReference, err)
	}
	return nil
}

// ClaimBatch selects up to limit unpublished candidates of one message type
// and claims each with a conditional update so concurrent publishers never
// double-send. It returns the claimed rows and how many were fetched before
// claiming.
func (s Store) ClaimBatch(ctx context.Context, messageType string, limit int) ([]domain.MessageCandidate, int, error) {
	now := s.now().UTC()
	nowStr := now.Format(time.RFC3339Nano)
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, case_reference, message_type, time_stamp, message_information
  FROM message_candidates
 WHERE published IS NULL
   AND message_type = ?
   AND (claimed_until IS NULL OR claimed_until <= ?)
 ORDER BY time_stamp
 LIMIT ?`, messageType, nowStr, limit)
	if err != nil {
		return nil, 0, err
	}
	var fetched []domain.MessageCandidate
	for rows.Next() {
		var c domain.MessageCandidate
		var info string
		if err := rows.Scan(&c.ID, &c.CaseReference, &c.MessageType, &c.Timestamp, &info); err != nil {
			rows.Close()
			return nil, 0, err
		}
		c.Information = []byte(info)
		fetched = append(fetched, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	claimUntil := now.Add(s.claimWindow()).Format(time.RFC3339Nano)
	var claimed []domain.MessageCandidate
	for _, c := range fetched {
		res, err := s.DB.ExecContext(ctx, `
UPDATE message_candidates
   SET claimed_until = ?
 WHERE id = ?
   AND published IS NULL
   AND (claimed_until IS NULL OR claimed_until <= ?)`, claimUntil, c.ID, nowStr)
		if err != nil {
			return nil, len(fetched), err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, c)
		}
	}
	return claimed, len(fetched), nil
}

// MarkPublished stamps successfully sent rows in bulk.
func (s Store) MarkPublished(ctx context.Context, ids []int64, publishedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{publishedAt.UTC().Format(time.RFC3339Nano)}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE message_candidates SET published = ?, claimed_until = NULL WHERE id IN (`+placeholders+`)`, args...)
	return err
}

// Release drops the claim on rows that failed to send so the next cycle can
// pick them up without waiting out the claim window.
func (s Store) Release(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE message_candidates SET claimed_until = NULL WHERE id IN (`+placeholders+`) AND published IS NULL`, args...)
	return err
}

// DeletePublishedBefore removes published rows older than the cutoff and
// returns how many were swept.
func (s Store) DeletePublishedBefore(ctx context.Context, messageType string, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM message_candidates
 WHERE message_type = ? AND published IS NOT NULL AND published < ?`,
		messageType, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
