package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all vedfolnir tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		owner        TEXT NOT NULL,
		priority     TEXT NOT NULL DEFAULT 'normal',
		state        TEXT NOT NULL DEFAULT 'queued',
		settings     TEXT NOT NULL DEFAULT '{}',
		result       TEXT NOT NULL DEFAULT 'null',
		error        TEXT,
		attempts     INTEGER NOT NULL DEFAULT 0,
		submitted_at TEXT NOT NULL,
		started_at   TEXT,
		ended_at     TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
	// Compound index for the cleanup sweep (state + ended_at)
	`CREATE INDEX IF NOT EXISTS idx_jobs_state_ended ON jobs(state, ended_at)`,

	// Runtime settings written through the admin API
	`CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
