// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fr4nsys/remedia/internal/models"
	apperrors "github.com/fr4nsys/remedia/internal/pkg/errors"
)

// ApprovalRepository handles approval request records.
type ApprovalRepository struct {
	db *DB
}

// NewApprovalRepository creates a new approval repository.
func NewApprovalRepository(db *DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

const approvalColumns = `id, execution_id, status, reason, decided_by, decided_at, created_at, expires_at`

func scanApproval(row pgx.Row) (*models.ApprovalRequest, error) {
	a := &models.ApprovalRequest{}
	err := row.Scan(
		&a.ID, &a.ExecutionID, &a.Status, &a.Reason,
		&a.DecidedBy, &a.DecidedAt, &a.CreatedAt, &a.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Create creates a pending approval request.
func (r *ApprovalRepository) Create(ctx context.Context, a *models.ApprovalRequest) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = models.ApprovalPending
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO approval_requests (id, execution_id, status, reason, expires_at)
		VALUES ($1,$2,$3,$4,$5)`,
		a.ID, a.ExecutionID, a.Status, a.Reason, a.ExpiresAt,
	)
	return err
}

// GetByID retrieves an approval request by ID.
func (r *ApprovalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	a, err := scanApproval(r.db.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("approval request").WithDetail("id", id.String())
		}
		return nil, err
	}
	return a, nil
}

// GetPendingForExecution returns the pending request for an execution, or
// nil when none exists.
func (r *ApprovalRepository) GetPendingForExecution(ctx context.Context, executionID uuid.UUID) (*models.ApprovalRequest, error) {
	a, err := scanApproval(r.db.QueryRow(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE execution_id = $1 AND status = 'pending'
		ORDER BY created_at DESC LIMIT 1`, executionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// GetLatestForExecution returns the newest request for an execution in any
// status, or nil when none exists. The orchestrator uses it to tell a
// first-time semi-automatic execution from one resumed after approval.
func (r *ApprovalRepository) GetLatestForExecution(ctx context.Context, executionID uuid.UUID) (*models.ApprovalRequest, error) {
	a, err := scanApproval(r.db.QueryRow(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE execution_id = $1
		ORDER BY created_at DESC LIMIT 1`, executionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// ListPending returns all pending approval requests, oldest first.
func (r *ApprovalRepository) ListPending(ctx context.Context) ([]*models.ApprovalRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Decide moves a pending request to approved or rejected. The status guard
// makes concurrent decisions race-safe: only one wins.
func (r *ApprovalRepository) Decide(ctx context.Context, id uuid.UUID, status models.ApprovalStatus, decidedBy *uuid.UUID) error {
	if status != models.ApprovalApproved && status != models.ApprovalRejected {
		return apperrors.InvalidInput("approval decision must be approved or rejected")
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_requests SET status=$2, decided_by=$3, decided_at=now()
		WHERE id=$1 AND status='pending'`, id, status, decidedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewConflictError("approval request already decided or expired")
	}
	return nil
}

// ExpireOverdue marks pending requests past their TTL as expired and
// returns them so the caller can cancel the parked executions.
func (r *ApprovalRepository) ExpireOverdue(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE approval_requests SET status='expired', decided_at=$1
		WHERE status='pending' AND expires_at <= $1
		RETURNING `+approvalColumns, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
