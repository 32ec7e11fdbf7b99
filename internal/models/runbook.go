// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StepKind identifies the step variant.
type StepKind string

const (
	StepKindCommand StepKind = "command"
	StepKindAPI     StepKind = "api"
)

// FailurePolicy controls what happens when a step exhausts its retries.
type FailurePolicy string

const (
	FailurePolicyAbort    FailurePolicy = "abort"
	FailurePolicyContinue FailurePolicy = "continue"
	FailurePolicyRollback FailurePolicy = "rollback"
)

// Runbook represents a stored, versioned remediation runbook.
// A version is immutable once an execution references it.
type Runbook struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	Description   string          `json:"description,omitempty" db:"description"`
	Version       int             `json:"version" db:"version"`
	Steps         json.RawMessage `json:"steps" db:"steps"` // JSON array of Step
	DefaultMode   ExecutionMode   `json:"default_mode" db:"default_mode"`
	FailurePolicy FailurePolicy   `json:"failure_policy" db:"failure_policy"`
	IsEnabled     bool            `json:"is_enabled" db:"is_enabled"`
	CreatedBy     *uuid.UUID      `json:"created_by,omitempty" db:"created_by"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// RetryPolicy bounds step retries.
type RetryPolicy struct {
	MaxAttempts    int     `json:"max_attempts,omitempty"`
	BackoffSeconds float64 `json:"backoff_seconds,omitempty"`
	BackoffFactor  float64 `json:"backoff_factor,omitempty"`
}

// ExtractRule pulls a named variable out of step output. Pattern is a
// regular expression; the first capture group (or the whole match when
// there is none) becomes the variable value.
type ExtractRule struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
}

// Step is a single runbook step. Parameter fields are templates rendered
// against the execution context before the step runs.
type Step struct {
	Order   int      `json:"order"`
	Name    string   `json:"name"`
	Kind    StepKind `json:"kind"`
	Target  string   `json:"target"`             // host reference (command) or URL (api)
	AuthRef string   `json:"auth_ref,omitempty"` // credential reference for the resolver

	// Command variant.
	Command string `json:"command,omitempty"`

	// API variant.
	Method         string            `json:"method,omitempty"`
	Body           string            `json:"body,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	ExpectedStatus int               `json:"expected_status,omitempty"`

	TimeoutSeconds int           `json:"timeout_seconds,omitempty"`
	Retry          RetryPolicy   `json:"retry,omitempty"`
	Extract        []ExtractRule `json:"extract,omitempty"`

	// Compensate, when set, runs during rollback in reverse completion order.
	Compensate *Step `json:"compensate,omitempty"`
}

// Timeout returns the effective step timeout.
func (s *Step) Timeout(def time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return def
}

// MaxAttempts returns the effective attempt cap (at least 1).
func (s *Step) MaxAttempts() int {
	if s.Retry.MaxAttempts > 0 {
		return s.Retry.MaxAttempts
	}
	return 1
}

// Backoff returns the delay before the given retry attempt (1-based).
func (s *Step) Backoff(attempt int) time.Duration {
	base := s.Retry.BackoffSeconds
	if base <= 0 {
		base = 1
	}
	factor := s.Retry.BackoffFactor
	if factor < 1 {
		factor = 2
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= factor
	}
	return time.Duration(d * float64(time.Second))
}

// ParseSteps decodes the stored step array.
func (r *Runbook) ParseSteps() ([]Step, error) {
	if r.Steps == nil {
		return nil, nil
	}
	var steps []Step
	if err := json.Unmarshal(r.Steps, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// SetSteps encodes and stores the step array.
func (r *Runbook) SetSteps(steps []Step) error {
	data, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	r.Steps = data
	return nil
}

// CreateRunbookInput represents input for creating a runbook.
type CreateRunbookInput struct {
	Name          string        `json:"name" validate:"required,min=1,max=255"`
	Description   string        `json:"description,omitempty" validate:"max=2000"`
	Steps         []Step        `json:"steps" validate:"required,min=1"`
	DefaultMode   ExecutionMode `json:"default_mode,omitempty"`
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`
	IsEnabled     bool          `json:"is_enabled"`
}

// UpdateRunbookInput represents input for updating a runbook.
// Any change to steps bumps the version.
type UpdateRunbookInput struct {
	Name          *string        `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Description   *string        `json:"description,omitempty"`
	Steps         []Step         `json:"steps,omitempty"`
	DefaultMode   *ExecutionMode `json:"default_mode,omitempty"`
	FailurePolicy *FailurePolicy `json:"failure_policy,omitempty"`
	IsEnabled     *bool          `json:"is_enabled,omitempty"`
}

// RunbookListOptions represents options for listing runbooks.
type RunbookListOptions struct {
	IsEnabled *bool   `json:"is_enabled,omitempty"`
	NameLike  *string `json:"name_like,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	Offset    int     `json:"offset,omitempty"`
}
