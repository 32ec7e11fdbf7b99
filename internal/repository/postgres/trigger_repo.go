// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fr4nsys/remedia/internal/models"
	apperrors "github.com/fr4nsys/remedia/internal/pkg/errors"
)

// TriggerRuleRepository handles CRUD for trigger rules.
type TriggerRuleRepository struct {
	db *DB
}

// NewTriggerRuleRepository creates a new trigger rule repository.
func NewTriggerRuleRepository(db *DB) *TriggerRuleRepository {
	return &TriggerRuleRepository{db: db}
}

const triggerRuleColumns = `id, name, priority, patterns, runbook_id, mode, schedule, dedup_window_seconds, is_enabled, created_at, updated_at`

func scanTriggerRule(row pgx.Row) (*models.TriggerRule, error) {
	tr := &models.TriggerRule{}
	err := row.Scan(
		&tr.ID, &tr.Name, &tr.Priority, &tr.Patterns, &tr.RunbookID, &tr.Mode,
		&tr.Schedule, &tr.DedupWindowSeconds, &tr.IsEnabled, &tr.CreatedAt, &tr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// Create creates a trigger rule.
func (r *TriggerRuleRepository) Create(ctx context.Context, tr *models.TriggerRule) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO trigger_rules (id, name, priority, patterns, runbook_id, mode, schedule, dedup_window_seconds, is_enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		tr.ID, tr.Name, tr.Priority, tr.Patterns, tr.RunbookID, tr.Mode,
		tr.Schedule, tr.DedupWindowSeconds, tr.IsEnabled,
	)
	if err != nil && IsDuplicateKeyError(err) {
		return apperrors.AlreadyExists("trigger rule").WithDetail("name", tr.Name)
	}
	return err
}

// GetByID retrieves a trigger rule by ID.
func (r *TriggerRuleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.TriggerRule, error) {
	tr, err := scanTriggerRule(r.db.QueryRow(ctx,
		`SELECT `+triggerRuleColumns+` FROM trigger_rules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("trigger rule").WithDetail("id", id.String())
		}
		return nil, err
	}
	return tr, nil
}

// List returns all trigger rules in match order (priority descending, name
// as a stable tiebreak).
func (r *TriggerRuleRepository) List(ctx context.Context) ([]*models.TriggerRule, error) {
	return r.list(ctx, `SELECT `+triggerRuleColumns+` FROM trigger_rules ORDER BY priority DESC, name ASC`)
}

// ListEnabled returns enabled rules in match order.
func (r *TriggerRuleRepository) ListEnabled(ctx context.Context) ([]*models.TriggerRule, error) {
	return r.list(ctx, `SELECT `+triggerRuleColumns+` FROM trigger_rules WHERE is_enabled ORDER BY priority DESC, name ASC`)
}

// ListScheduled returns enabled rules that carry a cron schedule.
func (r *TriggerRuleRepository) ListScheduled(ctx context.Context) ([]*models.TriggerRule, error) {
	return r.list(ctx, `SELECT `+triggerRuleColumns+` FROM trigger_rules WHERE is_enabled AND schedule IS NOT NULL ORDER BY priority DESC, name ASC`)
}

func (r *TriggerRuleRepository) list(ctx context.Context, query string) ([]*models.TriggerRule, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*models.TriggerRule
	for rows.Next() {
		tr, err := scanTriggerRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, tr)
	}
	return rules, rows.Err()
}

// Update updates a trigger rule.
func (r *TriggerRuleRepository) Update(ctx context.Context, tr *models.TriggerRule) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE trigger_rules SET
			name=$2, priority=$3, patterns=$4, runbook_id=$5, mode=$6,
			schedule=$7, dedup_window_seconds=$8, is_enabled=$9, updated_at=now()
		WHERE id=$1`,
		tr.ID, tr.Name, tr.Priority, tr.Patterns, tr.RunbookID, tr.Mode,
		tr.Schedule, tr.DedupWindowSeconds, tr.IsEnabled,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("trigger rule").WithDetail("id", tr.ID.String())
	}
	return nil
}

// Delete deletes a trigger rule.
func (r *TriggerRuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM trigger_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("trigger rule").WithDetail("id", id.String())
	}
	return nil
}
