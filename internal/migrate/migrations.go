package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// migration is one embedded schema step. The numeric prefix of the file name
// is the version the step moves the database to.
type migration struct {
	version int
	name    string
	up      string
}

func load() ([]migration, error) {
	files, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	var steps []migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := schemaFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("migration file %s has no numeric version prefix: %w", f.Name(), err)
		}
		steps = append(steps, migration{version: v, name: f.Name(), up: string(data)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// Migrate brings the casework schema up to the latest embedded version.
// Each step commits in its own transaction together with its schema_version
// bump, so a failure mid-sequence leaves the database at the last fully
// applied version, never between versions.
func Migrate(db *sql.DB) error {
	steps, err := load()
	if err != nil {
		return err
	}
	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.version <= current {
			continue
		}
		if err := apply(db, step); err != nil {
			return err
		}
		current = step.version
	}
	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	var v int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		if _, err := db.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("seed schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

func apply(db *sql.DB, step migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(step.up); err != nil {
		return fmt.Errorf("apply casework migration %s: %w", step.name, err)
	}
	if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, step.version); err != nil {
		return fmt.Errorf("record schema version %d: %w", step.version, err)
	}
	return tx.Commit()
}
