// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// migration is one schema change. Down must fully undo Up.
type migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "runbooks",
		Up: `
CREATE TABLE IF NOT EXISTS runbooks (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	version INT NOT NULL DEFAULT 1,
	steps JSONB NOT NULL DEFAULT '[]',
	default_mode TEXT NOT NULL DEFAULT 'manual',
	failure_policy TEXT NOT NULL DEFAULT 'abort',
	is_enabled BOOLEAN NOT NULL DEFAULT true,
	created_by UUID,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (name, version)
);

CREATE TABLE IF NOT EXISTS runbook_versions (
	runbook_id UUID NOT NULL,
	version INT NOT NULL,
	steps JSONB NOT NULL,
	failure_policy TEXT NOT NULL,
	frozen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (runbook_id, version)
);`,
		Down: `DROP TABLE IF EXISTS runbook_versions; DROP TABLE IF EXISTS runbooks;`,
	},
	{
		Version: 2,
		Name:    "executions",
		Up: `
CREATE TABLE IF NOT EXISTS executions (
	id UUID PRIMARY KEY,
	runbook_id UUID NOT NULL,
	runbook_version INT NOT NULL,
	trigger_source TEXT NOT NULL DEFAULT 'manual',
	trigger_ref TEXT,
	fingerprint TEXT,
	mode TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	status_reason TEXT,
	dry_run BOOLEAN NOT NULL DEFAULT false,
	context JSONB,
	rolled_back BOOLEAN NOT NULL DEFAULT false,
	created_by UUID,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_executions_runbook ON executions (runbook_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_executions_fingerprint ON executions (fingerprint, created_at DESC) WHERE fingerprint IS NOT NULL;

CREATE TABLE IF NOT EXISTS step_executions (
	id UUID PRIMARY KEY,
	execution_id UUID NOT NULL REFERENCES executions (id) ON DELETE CASCADE,
	step_order INT NOT NULL,
	step_name TEXT NOT NULL DEFAULT '',
	attempt INT NOT NULL DEFAULT 1,
	rollback BOOLEAN NOT NULL DEFAULT false,
	outcome TEXT NOT NULL DEFAULT 'running',
	exit_code INT,
	stdout TEXT NOT NULL DEFAULT '',
	stderr TEXT NOT NULL DEFAULT '',
	extracted JSONB,
	error_message TEXT,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_step_executions_execution ON step_executions (execution_id, step_order, attempt);`,
		Down: `DROP TABLE IF EXISTS step_executions; DROP TABLE IF EXISTS executions;`,
	},
	{
		Version: 3,
		Name:    "safety_state",
		Up: `
CREATE TABLE IF NOT EXISTS circuit_breakers (
	scope TEXT PRIMARY KEY,
	state TEXT NOT NULL DEFAULT 'closed',
	consecutive_failures INT NOT NULL DEFAULT 0,
	probe_in_flight BOOLEAN NOT NULL DEFAULT false,
	opened_at TIMESTAMPTZ,
	cooldown_until TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rate_windows (
	scope TEXT PRIMARY KEY,
	attempts TIMESTAMPTZ[] NOT NULL DEFAULT '{}',
	cooldown_until TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS blackout_windows (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	starts_at TIMESTAMPTZ NOT NULL,
	ends_at TIMESTAMPTZ NOT NULL,
	recurrence TEXT NOT NULL DEFAULT '',
	scope TEXT,
	is_enabled BOOLEAN NOT NULL DEFAULT true,
	created_by UUID,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		Down: `DROP TABLE IF EXISTS blackout_windows; DROP TABLE IF EXISTS rate_windows; DROP TABLE IF EXISTS circuit_breakers;`,
	},
	{
		Version: 4,
		Name:    "trigger_rules",
		Up: `
CREATE TABLE IF NOT EXISTS trigger_rules (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	priority INT NOT NULL DEFAULT 0,
	patterns JSONB NOT NULL DEFAULT '[]',
	runbook_id UUID NOT NULL,
	mode TEXT NOT NULL DEFAULT '',
	schedule TEXT,
	dedup_window_seconds INT NOT NULL DEFAULT 0,
	is_enabled BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_trigger_rules_priority ON trigger_rules (priority DESC) WHERE is_enabled;`,
		Down: `DROP TABLE IF EXISTS trigger_rules;`,
	},
	{
		Version: 5,
		Name:    "approval_requests",
		Up: `
CREATE TABLE IF NOT EXISTS approval_requests (
	id UUID PRIMARY KEY,
	execution_id UUID NOT NULL REFERENCES executions (id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'pending',
	reason TEXT,
	decided_by UUID,
	decided_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_pending ON approval_requests (expires_at) WHERE status = 'pending';`,
		Down: `DROP TABLE IF EXISTS approval_requests;`,
	},
}

// Migrate applies all pending migrations in order.
func (db *DB) Migrate(ctx context.Context) error {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	current, err := db.currentMigrationVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := db.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
				m.Version, m.Name); err != nil {
				return fmt.Errorf("record migration %d: %w", m.Version, err)
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// MigrateDown rolls back the given number of migrations ("all" for all).
func (db *DB) MigrateDown(ctx context.Context, steps string) error {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	current, err := db.currentMigrationVersion(ctx)
	if err != nil {
		return err
	}

	n := len(migrations)
	if steps != "all" {
		n, err = strconv.Atoi(steps)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid step count %q", steps)
		}
	}

	for i := len(migrations) - 1; i >= 0 && n > 0; i-- {
		m := migrations[i]
		if m.Version > current {
			continue
		}
		if err := db.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.Down); err != nil {
				return fmt.Errorf("rollback migration %d (%s): %w", m.Version, m.Name, err)
			}
			if _, err := tx.Exec(ctx,
				`DELETE FROM schema_migrations WHERE version = $1`, m.Version); err != nil {
				return fmt.Errorf("unrecord migration %d: %w", m.Version, err)
			}
			return nil
		}); err != nil {
			return err
		}
		n--
	}
	return nil
}

// MigrationStatus prints the applied/pending state of each migration.
func (db *DB) MigrationStatus(ctx context.Context) error {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	current, err := db.currentMigrationVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		state := "pending"
		if m.Version <= current {
			state = "applied"
		}
		fmt.Printf("%4d  %-24s %s\n", m.Version, m.Name, state)
	}
	return nil
}

func (db *DB) ensureMigrationsTable(ctx context.Context) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func (db *DB) currentMigrationVersion(ctx context.Context) (int, error) {
	var current int
	if err := db.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return 0, fmt.Errorf("read schema_migrations: %w", err)
	}
	return current, nil
}
