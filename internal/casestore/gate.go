package casestore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// Gate deduplicates retried submissions. It must run inside the same
// transaction as the mutation it guards.
type Gate struct {
	DB *sql.DB
}

// LockAndCheck locks the case row and looks up whether an audit event already
// carries this idempotency key. A missing case means first-time creation and
// is treated as not yet processed.
//
// SQLite locks at database granularity, so the no-op update forces the
// transaction into write mode immediately; competing submissions queue on the
// busy timeout instead of interleaving.
func (g Gate) LockAndCheck(ctx context.Context, tx *sql.Tx, reference, idempotencyKey string) (*int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE cases SET id = id WHERE reference = ?`, reference); err != nil {
		return nil, fmt.Errorf("lock case %s: %w", reference, err)
	}

	var eventID sql.NullInt64
	err := tx.QueryRowContext(ctx, `
SELECT ce.id
  FROM cases cd
  LEFT JOIN case_events ce
    ON ce.case_id = cd.id
   AND ce.idempotency_key = ?
 WHERE cd.reference = ?`, idempotencyKey, reference).Scan(&eventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if eventID.Valid {
		log.Printf("gate: idempotency key %s already processed as event %d", idempotencyKey, eventID.Int64)
		id := eventID.Int64
		return &id, nil
	}
	return nil, nil
}
