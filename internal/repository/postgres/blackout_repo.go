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

// BlackoutRepository handles CRUD for blackout windows.
type BlackoutRepository struct {
	db *DB
}

// NewBlackoutRepository creates a new blackout repository.
func NewBlackoutRepository(db *DB) *BlackoutRepository {
	return &BlackoutRepository{db: db}
}

const blackoutColumns = `id, name, starts_at, ends_at, recurrence, scope, is_enabled, created_by, created_at, updated_at`

// Create creates a blackout window.
func (r *BlackoutRepository) Create(ctx context.Context, w *models.BlackoutWindow) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO blackout_windows (id, name, starts_at, ends_at, recurrence, scope, is_enabled, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		w.ID, w.Name, w.StartsAt, w.EndsAt, w.Recurrence, w.Scope, w.IsEnabled, w.CreatedBy,
	)
	return err
}

// GetByID retrieves a blackout window by ID.
func (r *BlackoutRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BlackoutWindow, error) {
	w := &models.BlackoutWindow{}
	err := r.db.QueryRow(ctx,
		`SELECT `+blackoutColumns+` FROM blackout_windows WHERE id = $1`, id).Scan(
		&w.ID, &w.Name, &w.StartsAt, &w.EndsAt, &w.Recurrence, &w.Scope,
		&w.IsEnabled, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("blackout window").WithDetail("id", id.String())
		}
		return nil, err
	}
	return w, nil
}

// List returns all blackout windows.
func (r *BlackoutRepository) List(ctx context.Context) ([]*models.BlackoutWindow, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+blackoutColumns+` FROM blackout_windows ORDER BY starts_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []*models.BlackoutWindow
	for rows.Next() {
		w := &models.BlackoutWindow{}
		if err := rows.Scan(
			&w.ID, &w.Name, &w.StartsAt, &w.EndsAt, &w.Recurrence, &w.Scope,
			&w.IsEnabled, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt,
		); err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// ListEnabledForScope returns enabled windows that apply to a scope: windows
// bound to that exact scope plus global ones. Recurrence evaluation happens
// in the safety controller, not in SQL.
func (r *BlackoutRepository) ListEnabledForScope(ctx context.Context, scope string) ([]*models.BlackoutWindow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+blackoutColumns+` FROM blackout_windows
		WHERE is_enabled AND (scope IS NULL OR scope = $1)
		ORDER BY starts_at ASC`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []*models.BlackoutWindow
	for rows.Next() {
		w := &models.BlackoutWindow{}
		if err := rows.Scan(
			&w.ID, &w.Name, &w.StartsAt, &w.EndsAt, &w.Recurrence, &w.Scope,
			&w.IsEnabled, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt,
		); err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// Update updates a blackout window.
func (r *BlackoutRepository) Update(ctx context.Context, w *models.BlackoutWindow) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE blackout_windows SET
			name=$2, starts_at=$3, ends_at=$4, recurrence=$5, scope=$6, is_enabled=$7, updated_at=now()
		WHERE id=$1`,
		w.ID, w.Name, w.StartsAt, w.EndsAt, w.Recurrence, w.Scope, w.IsEnabled,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("blackout window").WithDetail("id", w.ID.String())
	}
	return nil
}

// Delete deletes a blackout window.
func (r *BlackoutRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM blackout_windows WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("blackout window").WithDetail("id", id.String())
	}
	return nil
}
