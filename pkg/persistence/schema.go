package persistence

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is bumped with every entry appended to migrations.
const CurrentSchemaVersion = 2

// migrations[i] upgrades version i to i+1.
//
//nolint:gochecknoglobals // ordered migration list
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			caller_id TEXT NOT NULL,
			request TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','running','completed','failed','budget_exceeded')),
			created_at TEXT NOT NULL,
			completed_at TEXT,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			cost_by_step TEXT,
			tokens_by_step TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			validation_passed INTEGER NOT NULL DEFAULT 0,
			model_used TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_caller ON jobs(caller_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC)`,
	},
	{
		`ALTER TABLE jobs ADD COLUMN stop_reason TEXT`,
		`ALTER TABLE jobs ADD COLUMN security_warnings TEXT`,
	},
}

// SchemaVersion returns the applied version, 0 for an empty database.
func SchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}
	var v sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(v.Int64), nil
}

func initializeSchema(db *sql.DB) error {
	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}
	for v := current; v < CurrentSchemaVersion; v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", v+1, err)
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d failed: %s: %w", v+1, stmt, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record schema version %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", v+1, err)
		}
	}
	return nil
}
