// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package models

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the state of a pending approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest parks a semi-automatic execution until an operator acts
// or the TTL elapses.
type ApprovalRequest struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	ExecutionID uuid.UUID      `json:"execution_id" db:"execution_id"`
	Status      ApprovalStatus `json:"status" db:"status"`
	Reason      *string        `json:"reason,omitempty" db:"reason"`
	DecidedBy   *uuid.UUID     `json:"decided_by,omitempty" db:"decided_by"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty" db:"decided_at"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at" db:"expires_at"`
}

// IsExpired reports whether the request's TTL has elapsed at now without a
// decision.
func (a *ApprovalRequest) IsExpired(now time.Time) bool {
	return a.Status == ApprovalPending && !now.Before(a.ExpiresAt)
}

// IsDecided reports whether the request reached a final status.
func (a *ApprovalRequest) IsDecided() bool {
	return a.Status != ApprovalPending
}
