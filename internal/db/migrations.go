package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cases (
	case_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	location TEXT NOT NULL,
	type_name TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('invalid','offline','loading','external_op','param_save','download','op_invoke','running','ready','ready_error','error','defunct')),
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS cases_location ON cases(location);

CREATE TABLE IF NOT EXISTS stage_states (
	case_id TEXT NOT NULL,
	stage_key TEXT NOT NULL,
	position INTEGER NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('unready','unrun','loading','downloading','running','finished','finished_prereq','error','offline')),
	PRIMARY KEY(case_id, stage_key),
	FOREIGN KEY(case_id) REFERENCES cases(case_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS param_values (
	case_id TEXT NOT NULL,
	name TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY(case_id, name),
	FOREIGN KEY(case_id) REFERENCES cases(case_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS operations (
	op_id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('submit_job','cancel_job','download_file','save_parameters','rollback_stage')),
	stage_key TEXT,
	target TEXT NOT NULL,
	state TEXT NOT NULL CHECK(state IN ('issued','pending','completed','failed','cancelled')),
	issued_at TEXT NOT NULL,
	completed_at TEXT,
	error_code TEXT
);

CREATE INDEX IF NOT EXISTS operations_case_issued ON operations(case_id, issued_at);
`,
		DownSQL: `
DROP TABLE IF EXISTS operations;
DROP TABLE IF EXISTS param_values;
DROP TABLE IF EXISTS stage_states;
DROP TABLE IF EXISTS cases;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
ALTER TABLE cases ADD COLUMN closed_at TEXT;
`,
		DownSQL: `
-- SQLite deployments may not support DROP COLUMN safely across environments.
-- RollbackAll() remains safe because migration v1 DownSQL drops full tables.
SELECT 1;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
