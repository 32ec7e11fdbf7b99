// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionMode controls whether an execution needs human approval.
type ExecutionMode string

const (
	ModeAuto     ExecutionMode = "auto"
	ModeSemiAuto ExecutionMode = "semi_auto"
	ModeManual   ExecutionMode = "manual"
)

// ExecutionStatus is the execution state machine value.
type ExecutionStatus string

const (
	ExecStatusQueued           ExecutionStatus = "queued"
	ExecStatusAwaitingApproval ExecutionStatus = "awaiting_approval"
	ExecStatusRunning          ExecutionStatus = "running"
	ExecStatusCompleted        ExecutionStatus = "completed"
	ExecStatusFailed           ExecutionStatus = "failed"
	ExecStatusBlocked          ExecutionStatus = "blocked"
	ExecStatusCancelled        ExecutionStatus = "cancelled"
)

// Trigger sources.
const (
	TriggerSourceManual = "manual"
	TriggerSourceRule   = "rule"
	TriggerSourceAlert  = "alert"
)

// Execution is one run of a specific runbook version.
type Execution struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	RunbookID      uuid.UUID       `json:"runbook_id" db:"runbook_id"`
	RunbookVersion int             `json:"runbook_version" db:"runbook_version"`
	TriggerSource  string          `json:"trigger_source" db:"trigger_source"`
	TriggerRef     *string         `json:"trigger_ref,omitempty" db:"trigger_ref"`
	Fingerprint    *string         `json:"fingerprint,omitempty" db:"fingerprint"`
	Mode           ExecutionMode   `json:"mode" db:"mode"`
	Status         ExecutionStatus `json:"status" db:"status"`
	StatusReason   *string         `json:"status_reason,omitempty" db:"status_reason"`
	DryRun         bool            `json:"dry_run" db:"dry_run"`
	Context        json.RawMessage `json:"context,omitempty" db:"context"` // key -> value map
	RolledBack     bool            `json:"rolled_back" db:"rolled_back"`
	CreatedBy      *uuid.UUID      `json:"created_by,omitempty" db:"created_by"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty" db:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
}

// IsTerminal reports whether the execution reached a final status.
func (e *Execution) IsTerminal() bool {
	switch e.Status {
	case ExecStatusCompleted, ExecStatusFailed, ExecStatusBlocked, ExecStatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the lifecycle: queued -> (awaiting_approval ->)?
// running -> terminal. Approval moves the execution back to queued so the
// scheduler re-admits it under the concurrency cap.
var validTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecStatusQueued:           {ExecStatusAwaitingApproval, ExecStatusRunning, ExecStatusBlocked, ExecStatusCancelled},
	ExecStatusAwaitingApproval: {ExecStatusQueued, ExecStatusRunning, ExecStatusCancelled},
	ExecStatusRunning:          {ExecStatusCompleted, ExecStatusFailed, ExecStatusBlocked, ExecStatusCancelled, ExecStatusAwaitingApproval},
}

// CanTransitionTo reports whether moving to next is a legal status change.
func (e *Execution) CanTransitionTo(next ExecutionStatus) bool {
	for _, s := range validTransitions[e.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// GetContext decodes the accumulated context map.
func (e *Execution) GetContext() (map[string]string, error) {
	if e.Context == nil {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal(e.Context, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

// SetContext encodes and stores the context map.
func (e *Execution) SetContext(m map[string]string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	e.Context = data
	return nil
}

// Duration returns elapsed wall time of the execution.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil {
		return 0
	}
	end := e.EndedAt
	if end == nil {
		now := time.Now()
		end = &now
	}
	return end.Sub(*e.StartedAt)
}

// StepOutcome is the terminal (or in-flight) state of one step attempt.
type StepOutcome string

const (
	StepOutcomeRunning    StepOutcome = "running"
	StepOutcomeSuccess    StepOutcome = "success"
	StepOutcomeFailure    StepOutcome = "failure"
	StepOutcomeSkipped    StepOutcome = "skipped"
	StepOutcomeRolledBack StepOutcome = "rolled_back"
)

// IsTerminal reports whether the outcome is final.
func (o StepOutcome) IsTerminal() bool {
	return o != StepOutcomeRunning
}

// StepExecution is the append-only record of one step attempt.
type StepExecution struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	ExecutionID uuid.UUID       `json:"execution_id" db:"execution_id"`
	StepOrder   int             `json:"step_order" db:"step_order"`
	StepName    string          `json:"step_name" db:"step_name"`
	Attempt     int             `json:"attempt" db:"attempt"`
	Rollback    bool            `json:"rollback" db:"rollback"` // compensating run
	Outcome     StepOutcome     `json:"outcome" db:"outcome"`
	ExitCode    *int            `json:"exit_code,omitempty" db:"exit_code"`
	Stdout      string          `json:"stdout,omitempty" db:"stdout"`
	Stderr      string          `json:"stderr,omitempty" db:"stderr"`
	Extracted   json.RawMessage `json:"extracted,omitempty" db:"extracted"`
	ErrorMsg    *string         `json:"error,omitempty" db:"error_message"`
	StartedAt   time.Time       `json:"started_at" db:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

// SetExtracted encodes the extracted-variable map.
func (s *StepExecution) SetExtracted(m map[string]string) error {
	if len(m) == 0 {
		s.Extracted = nil
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	s.Extracted = data
	return nil
}

// GetExtracted decodes the extracted-variable map.
func (s *StepExecution) GetExtracted() (map[string]string, error) {
	if s.Extracted == nil {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal(s.Extracted, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateExecutionInput represents input for starting an execution.
type CreateExecutionInput struct {
	RunbookID      uuid.UUID         `json:"runbook_id" validate:"required"`
	RunbookVersion int               `json:"runbook_version,omitempty"` // 0 = current
	Mode           ExecutionMode     `json:"mode,omitempty"`            // "" = runbook default
	TriggerSource  string            `json:"trigger_source,omitempty"`
	TriggerRef     *string           `json:"trigger_ref,omitempty"`
	Fingerprint    *string           `json:"fingerprint,omitempty"`
	DryRun         bool              `json:"dry_run,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	CreatedBy      *uuid.UUID        `json:"created_by,omitempty"`
}

// ExecutionListOptions represents options for listing executions.
type ExecutionListOptions struct {
	RunbookID *uuid.UUID       `json:"runbook_id,omitempty"`
	Status    *ExecutionStatus `json:"status,omitempty"`
	Before    *time.Time       `json:"before,omitempty"`
	After     *time.Time       `json:"after,omitempty"`
	Limit     int              `json:"limit,omitempty"`
	Offset    int              `json:"offset,omitempty"`
}

// ExecutionStats is an aggregate over execution history.
type ExecutionStats struct {
	Total       int64            `json:"total"`
	ByStatus    map[string]int64 `json:"by_status"`
	SuccessRate float64          `json:"success_rate"`
	AvgDuration time.Duration    `json:"avg_duration"`
}
