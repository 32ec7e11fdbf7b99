// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fr4nsys/remedia/internal/models"
	apperrors "github.com/fr4nsys/remedia/internal/pkg/errors"
)

// ExecutionRepository handles execution and step-execution records.
type ExecutionRepository struct {
	db *DB
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

const executionColumns = `id, runbook_id, runbook_version, trigger_source, trigger_ref, fingerprint,
	mode, status, status_reason, dry_run, context, rolled_back, created_by, created_at, started_at, ended_at`

func scanExecution(row pgx.Row) (*models.Execution, error) {
	e := &models.Execution{}
	err := row.Scan(
		&e.ID, &e.RunbookID, &e.RunbookVersion, &e.TriggerSource, &e.TriggerRef, &e.Fingerprint,
		&e.Mode, &e.Status, &e.StatusReason, &e.DryRun, &e.Context, &e.RolledBack,
		&e.CreatedBy, &e.CreatedAt, &e.StartedAt, &e.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Create creates an execution record.
func (r *ExecutionRepository) Create(ctx context.Context, e *models.Execution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = models.ExecStatusQueued
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO executions (id, runbook_id, runbook_version, trigger_source, trigger_ref, fingerprint,
			mode, status, status_reason, dry_run, context, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.RunbookID, e.RunbookVersion, e.TriggerSource, e.TriggerRef, e.Fingerprint,
		e.Mode, e.Status, e.StatusReason, e.DryRun, e.Context, e.CreatedBy,
	)
	return err
}

// GetByID retrieves an execution by ID.
func (r *ExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	e, err := scanExecution(r.db.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("execution").WithDetail("id", id.String())
		}
		return nil, err
	}
	return e, nil
}

// List returns executions with filtering, newest first.
func (r *ExecutionRepository) List(ctx context.Context, opts models.ExecutionListOptions) ([]*models.Execution, int64, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM executions WHERE 1=1`
	var args []interface{}
	argIdx := 1

	addClause := func(clause string, v interface{}) {
		c := fmt.Sprintf(clause, argIdx)
		query += c
		countQuery += c
		args = append(args, v)
		argIdx++
	}

	if opts.RunbookID != nil {
		addClause(" AND runbook_id = $%d", *opts.RunbookID)
	}
	if opts.Status != nil {
		addClause(" AND status = $%d", *opts.Status)
	}
	if opts.Before != nil {
		addClause(" AND created_at < $%d", *opts.Before)
	}
	if opts.After != nil {
		addClause(" AND created_at > $%d", *opts.After)
	}

	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, err
		}
		execs = append(execs, e)
	}
	return execs, total, rows.Err()
}

// UpdateStatus transitions an execution, guarding against illegal moves at
// the database level by matching on the expected current status.
func (r *ExecutionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.ExecutionStatus, reason *string) error {
	set := `status=$3, status_reason=$4`
	switch to {
	case models.ExecStatusRunning:
		set += `, started_at=COALESCE(started_at, now())`
	case models.ExecStatusCompleted, models.ExecStatusFailed, models.ExecStatusBlocked, models.ExecStatusCancelled:
		set += `, ended_at=now()`
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE executions SET `+set+` WHERE id=$1 AND status=$2`, id, from, to, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewConflictError(fmt.Sprintf("execution %s is not in status %s", id, from))
	}
	return nil
}

// UpdateContext persists the accumulated context map.
func (r *ExecutionRepository) UpdateContext(ctx context.Context, e *models.Execution) error {
	_, err := r.db.Exec(ctx,
		`UPDATE executions SET context=$2 WHERE id=$1`, e.ID, e.Context)
	return err
}

// MarkRolledBack flags an execution whose compensating steps have run.
func (r *ExecutionRepository) MarkRolledBack(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE executions SET rolled_back=true WHERE id=$1`, id)
	return err
}

// ClaimQueued atomically claims up to limit queued executions in arrival
// order, moving them to running. SKIP LOCKED keeps concurrent schedulers
// from claiming the same rows.
func (r *ExecutionRepository) ClaimQueued(ctx context.Context, limit int) ([]*models.Execution, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE executions SET status='running', started_at=COALESCE(started_at, now())
		WHERE id IN (
			SELECT id FROM executions
			WHERE status = 'queued'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING `+executionColumns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// CountRunning returns the number of executions currently running.
func (r *ExecutionRepository) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM executions WHERE status = 'running'`).Scan(&n)
	return n, err
}

// FindByFingerprint returns the most recent non-terminal-or-recent execution
// sharing a fingerprint since the given cutoff. Used for trigger dedup.
func (r *ExecutionRepository) FindByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*models.Execution, error) {
	e, err := scanExecution(r.db.QueryRow(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE fingerprint = $1 AND created_at > $2
		ORDER BY created_at DESC LIMIT 1`, fingerprint, since))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// RecoverStale finds executions stuck in running since before the cutoff
// with no live worker (stale heartbeat semantics are approximated by age)
// and marks them failed so no execution is left running after a crash.
func (r *ExecutionRepository) RecoverStale(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE executions
		SET status='failed', status_reason='recovered after crash: no active worker', ended_at=now()
		WHERE status = 'running' AND COALESCE(started_at, created_at) < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Stats aggregates execution history, optionally scoped to one runbook.
func (r *ExecutionRepository) Stats(ctx context.Context, runbookID *uuid.UUID) (*models.ExecutionStats, error) {
	query := `
		SELECT status, COUNT(*),
			COALESCE(AVG(EXTRACT(EPOCH FROM (ended_at - started_at))) FILTER (WHERE ended_at IS NOT NULL), 0)
		FROM executions`
	var args []interface{}
	if runbookID != nil {
		query += ` WHERE runbook_id = $1`
		args = append(args, *runbookID)
	}
	query += ` GROUP BY status`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &models.ExecutionStats{ByStatus: map[string]int64{}}
	var weightedSecs float64
	var finished int64
	for rows.Next() {
		var status string
		var count int64
		var avgSecs float64
		if err := rows.Scan(&status, &count, &avgSecs); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
		if status == string(models.ExecStatusCompleted) || status == string(models.ExecStatusFailed) {
			weightedSecs += avgSecs * float64(count)
			finished += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if finished > 0 {
		stats.SuccessRate = float64(stats.ByStatus[string(models.ExecStatusCompleted)]) / float64(finished)
		stats.AvgDuration = time.Duration(weightedSecs / float64(finished) * float64(time.Second))
	}
	return stats, nil
}

// ============================================================================
// Step executions
// ============================================================================

const stepExecutionColumns = `id, execution_id, step_order, step_name, attempt, rollback, outcome,
	exit_code, stdout, stderr, extracted, error_message, started_at, finished_at`

// CreateStepExecution records the start of one step attempt.
func (r *ExecutionRepository) CreateStepExecution(ctx context.Context, se *models.StepExecution) error {
	if se.ID == uuid.Nil {
		se.ID = uuid.New()
	}
	if se.Outcome == "" {
		se.Outcome = models.StepOutcomeRunning
	}
	if se.StartedAt.IsZero() {
		se.StartedAt = time.Now()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO step_executions (id, execution_id, step_order, step_name, attempt, rollback, outcome,
			exit_code, stdout, stderr, extracted, error_message, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		se.ID, se.ExecutionID, se.StepOrder, se.StepName, se.Attempt, se.Rollback, se.Outcome,
		se.ExitCode, se.Stdout, se.Stderr, se.Extracted, se.ErrorMsg, se.StartedAt,
	)
	return err
}

// FinishStepExecution records the outcome of a step attempt.
func (r *ExecutionRepository) FinishStepExecution(ctx context.Context, se *models.StepExecution) error {
	_, err := r.db.Exec(ctx, `
		UPDATE step_executions SET
			outcome=$2, exit_code=$3, stdout=$4, stderr=$5, extracted=$6, error_message=$7, finished_at=now()
		WHERE id=$1`,
		se.ID, se.Outcome, se.ExitCode, se.Stdout, se.Stderr, se.Extracted, se.ErrorMsg,
	)
	return err
}

// ListStepExecutions returns an execution's step history ordered by step
// index, attempt, and rollback phase.
func (r *ExecutionRepository) ListStepExecutions(ctx context.Context, executionID uuid.UUID) ([]*models.StepExecution, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+stepExecutionColumns+` FROM step_executions
		WHERE execution_id = $1
		ORDER BY rollback ASC, step_order ASC, attempt ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*models.StepExecution
	for rows.Next() {
		se := &models.StepExecution{}
		if err := rows.Scan(
			&se.ID, &se.ExecutionID, &se.StepOrder, &se.StepName, &se.Attempt, &se.Rollback, &se.Outcome,
			&se.ExitCode, &se.Stdout, &se.Stderr, &se.Extracted, &se.ErrorMsg, &se.StartedAt, &se.FinishedAt,
		); err != nil {
			return nil, err
		}
		steps = append(steps, se)
	}
	return steps, rows.Err()
}
