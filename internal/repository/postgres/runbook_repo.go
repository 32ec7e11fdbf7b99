// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fr4nsys/remedia/internal/models"
	apperrors "github.com/fr4nsys/remedia/internal/pkg/errors"
)

// RunbookRepository handles CRUD operations for runbooks.
type RunbookRepository struct {
	db *DB
}

// NewRunbookRepository creates a new runbook repository.
func NewRunbookRepository(db *DB) *RunbookRepository {
	return &RunbookRepository{db: db}
}

// Create creates a new runbook at version 1 and freezes that version.
func (r *RunbookRepository) Create(ctx context.Context, rb *models.Runbook) error {
	if rb.ID == uuid.Nil {
		rb.ID = uuid.New()
	}
	if rb.Version == 0 {
		rb.Version = 1
	}

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO runbooks (id, name, description, version, steps, default_mode, failure_policy, is_enabled, created_by)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			rb.ID, rb.Name, rb.Description, rb.Version, rb.Steps,
			rb.DefaultMode, rb.FailurePolicy, rb.IsEnabled, rb.CreatedBy,
		)
		if err != nil {
			if IsDuplicateKeyError(err) {
				return apperrors.AlreadyExists("runbook").WithDetail("name", rb.Name)
			}
			return err
		}
		return r.freezeVersion(ctx, tx, rb)
	})
}

// GetByID retrieves a runbook by ID at its current version.
func (r *RunbookRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Runbook, error) {
	rb := &models.Runbook{}
	err := r.db.QueryRow(ctx, `
		SELECT id, name, description, version, steps, default_mode, failure_policy,
			is_enabled, created_by, created_at, updated_at
		FROM runbooks WHERE id = $1`, id).Scan(
		&rb.ID, &rb.Name, &rb.Description, &rb.Version, &rb.Steps,
		&rb.DefaultMode, &rb.FailurePolicy, &rb.IsEnabled,
		&rb.CreatedBy, &rb.CreatedAt, &rb.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("runbook").WithDetail("id", id.String())
		}
		return nil, err
	}
	return rb, nil
}

// GetVersion retrieves a frozen runbook version. Executions always load the
// version they were created against, not the current one.
func (r *RunbookRepository) GetVersion(ctx context.Context, id uuid.UUID, version int) (*models.Runbook, error) {
	rb, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rb.Version == version {
		return rb, nil
	}

	err = r.db.QueryRow(ctx, `
		SELECT steps, failure_policy FROM runbook_versions
		WHERE runbook_id = $1 AND version = $2`, id, version).Scan(&rb.Steps, &rb.FailurePolicy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("runbook version").WithDetail("ref", fmt.Sprintf("%s@%d", id, version))
		}
		return nil, err
	}
	rb.Version = version
	return rb, nil
}

// List returns runbooks with filtering.
func (r *RunbookRepository) List(ctx context.Context, opts models.RunbookListOptions) ([]*models.Runbook, int64, error) {
	query := `SELECT id, name, description, version, steps, default_mode, failure_policy, is_enabled, created_by, created_at, updated_at FROM runbooks WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM runbooks WHERE 1=1`
	var args []interface{}
	argIdx := 1

	if opts.IsEnabled != nil {
		clause := fmt.Sprintf(" AND is_enabled = $%d", argIdx)
		query += clause
		countQuery += clause
		args = append(args, *opts.IsEnabled)
		argIdx++
	}
	if opts.NameLike != nil {
		clause := fmt.Sprintf(" AND name ILIKE $%d", argIdx)
		query += clause
		countQuery += clause
		args = append(args, "%"+*opts.NameLike+"%")
		argIdx++
	}

	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += " ORDER BY name ASC"
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

	var runbooks []*models.Runbook
	for rows.Next() {
		rb := &models.Runbook{}
		if err := rows.Scan(
			&rb.ID, &rb.Name, &rb.Description, &rb.Version, &rb.Steps,
			&rb.DefaultMode, &rb.FailurePolicy, &rb.IsEnabled,
			&rb.CreatedBy, &rb.CreatedAt, &rb.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		runbooks = append(runbooks, rb)
	}
	return runbooks, total, rows.Err()
}

// Update bumps the runbook to a new version and freezes it. Past versions
// stay immutable so referencing executions keep their step definitions.
func (r *RunbookRepository) Update(ctx context.Context, rb *models.Runbook) error {
	rb.Version++
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE runbooks SET
				name=$2, description=$3, version=$4, steps=$5,
				default_mode=$6, failure_policy=$7, is_enabled=$8, updated_at=now()
			WHERE id=$1`,
			rb.ID, rb.Name, rb.Description, rb.Version, rb.Steps,
			rb.DefaultMode, rb.FailurePolicy, rb.IsEnabled,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperrors.NotFound("runbook").WithDetail("id", rb.ID.String())
		}
		return r.freezeVersion(ctx, tx, rb)
	})
}

// SetEnabled toggles a runbook without bumping its version.
func (r *RunbookRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE runbooks SET is_enabled=$2, updated_at=now() WHERE id=$1`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("runbook").WithDetail("id", id.String())
	}
	return nil
}

// Delete deletes a runbook and its frozen versions.
func (r *RunbookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM runbook_versions WHERE runbook_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM runbooks WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperrors.NotFound("runbook").WithDetail("id", id.String())
		}
		return nil
	})
}

func (r *RunbookRepository) freezeVersion(ctx context.Context, tx pgx.Tx, rb *models.Runbook) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO runbook_versions (runbook_id, version, steps, failure_policy)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (runbook_id, version) DO NOTHING`,
		rb.ID, rb.Version, rb.Steps, rb.FailurePolicy,
	)
	return err
}
