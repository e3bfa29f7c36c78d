package migrate_test

import (
	"database/sql"
	"testing"

	"casework/internal/db"
	"casework/internal/migrate"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func schemaVersion(t *testing.T, conn *sql.DB) int {
	t.Helper()
	var v int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&v); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	return v
}

func TestMigrateCreatesCaseworkSchema(t *testing.T) {
	conn := openRaw(t)
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"cases", "case_events", "task_outbox", "message_candidates"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing after migrate: %v", table, err)
		}
	}
	if v := schemaVersion(t, conn); v < 1 {
		t.Fatalf("schema_version = %d, want >= 1", v)
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	conn := openRaw(t)
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	before := schemaVersion(t, conn)

	if _, err := conn.Exec(`INSERT INTO cases (reference, jurisdiction, case_type_id, state, created_at, last_modified, last_state_modified)
		VALUES ('1000000000000001', 'EMPLOYMENT', 'Benefit', 'open', datetime('now'), datetime('now'), datetime('now'))`); err != nil {
		t.Fatalf("seed case: %v", err)
	}

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if after := schemaVersion(t, conn); after != before {
		t.Fatalf("schema_version moved from %d to %d on a no-op run", before, after)
	}
	var count int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM cases`).Scan(&count); err != nil {
		t.Fatalf("count cases: %v", err)
	}
	if count != 1 {
		t.Fatalf("re-running migrations touched existing rows, got %d cases", count)
	}
}
