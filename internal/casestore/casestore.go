package casestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"casework/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the expected version no longer matched the stored
	// row. Nothing was written; the caller must re-read and retry.
	ErrConflict = errors.New("case was updated concurrently")
)

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Mutation is the proposed new state of a case. Data nil means "leave the
// stored document untouched". ExpectedVersion nil is treated as the insert
// baseline.
type Mutation struct {
	Reference       string
	Jurisdiction    string
	CaseTypeID      string
	State           string
	Data            json.RawMessage
	Classification  domain.SecurityClassification
	ExpectedVersion *int64
}

// Upsert inserts or updates the case row by reference. The version column
// increments by exactly 1 when state, data or classification differ from the
// stored row and is unchanged otherwise; revision increments on every commit.
// The whole write is guarded by a compare-and-swap on the expected version.
func (s Store) Upsert(ctx context.Context, tx *sql.Tx, m Mutation) (int64, error) {
	now := s.now().UTC().Format(time.RFC3339Nano)
	hasData := m.Data != nil
	data := string(m.Data)

	var id int64
	err := tx.QueryRowContext(ctx, `
INSERT INTO cases (
    reference, jurisdiction, case_type_id, state, data,
    security_classification, version, revision,
    created_at, last_modified, last_state_modified
) VALUES (
    ?, ?, ?, ?,
    CASE WHEN ? THEN ? ELSE '{}' END,
    ?, COALESCE(?, 1), 1,
    ?, ?, ?
)
ON CONFLICT(reference) DO UPDATE SET
    state = excluded.state,
    data = CASE WHEN ? THEN excluded.data ELSE cases.data END,
    security_classification = excluded.security_classification,
    last_modified = excluded.last_modified,
    version = CASE
                WHEN (? AND cases.data IS NOT excluded.data)
                  OR cases.state IS NOT excluded.state
                  OR cases.security_classification IS NOT excluded.security_classification
                THEN cases.version + 1
                ELSE cases.version
              END,
    revision = cases.revision + 1,
    last_state_modified = CASE
                            WHEN cases.state IS NOT excluded.state THEN excluded.last_modified
                            ELSE cases.last_state_modified
                          END
WHERE cases.version = excluded.version
RETURNING id`,
		m.Reference, m.Jurisdiction, m.CaseTypeID, m.State,
		hasData, data,
		string(m.Classification), nullableInt64Ptr(m.ExpectedVersion),
		now, now, now,
		hasData,
		hasData,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("upsert case %s: %w", m.Reference, err)
	}
	return id, nil
}

const caseColumns = `id, reference, jurisdiction, case_type_id, state, data,
       security_classification, version, revision,
       created_at, last_modified, last_state_modified`

// GetByReference returns the current case row.
func (s Store) GetByReference(ctx context.Context, reference string) (domain.CaseRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE reference=?`, reference)
	return scanCase(row.Scan)
}

// GetByReferenceTx reads the case inside the submission transaction so the
// returned view matches what was just committed.
func (s Store) GetByReferenceTx(ctx context.Context, tx *sql.Tx, reference string) (domain.CaseRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE reference=?`, reference)
	return scanCase(row.Scan)
}

// GetMany returns one row per found reference. Missing references are simply
// absent from the result.
func (s Store) GetMany(ctx context.Context, references []string) ([]domain.CaseRecord, error) {
	if len(references) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(references)), ",")
	args := make([]any, len(references))
	for i, r := range references {
		args[i] = r
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE reference IN (`+placeholders+`) ORDER BY reference ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CaseRecord
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CaseAtEvent reconstructs the case view as committed at a given audit event.
// Used to replay the recorded outcome of a duplicate submission.
func (s Store) CaseAtEvent(ctx context.Context, reference string, eventID int64) (domain.CaseRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT cd.id, cd.reference, cd.jurisdiction, cd.case_type_id, ce.state_id, ce.data,
       ce.security_classification, ce.version, ce.revision,
       cd.created_at, ce.created_at, ce.created_at
  FROM case_events ce
  JOIN cases cd ON cd.id = ce.case_id
 WHERE cd.reference = ? AND ce.id = ?`, reference, eventID)
	return scanCase(row.Scan)
}

func scanCase(scan func(dest ...any) error) (domain.CaseRecord, error) {
	var c domain.CaseRecord
	var data, classification string
	err := scan(&c.ID, &c.Reference, &c.Jurisdiction, &c.CaseTypeID, &c.State, &data,
		&classification, &c.Version, &c.Revision,
		&c.CreatedAt, &c.LastModified, &c.LastStateModified)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Data = json.RawMessage(data)
	c.Classification = domain.SecurityClassification(classification)
	return c, nil
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
