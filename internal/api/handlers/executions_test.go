// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/errors"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

// ============================================================================
// Mocks
// ============================================================================

type mockExecutionStore struct {
	createFn       func(ctx context.Context, e *models.Execution) error
	getByIDFn      func(ctx context.Context, id uuid.UUID) (*models.Execution, error)
	listFn         func(ctx context.Context, opts models.ExecutionListOptions) ([]*models.Execution, int64, error)
	updateStatusFn func(ctx context.Context, id uuid.UUID, from, to models.ExecutionStatus, reason *string) error
	listStepsFn    func(ctx context.Context, executionID uuid.UUID) ([]*models.StepExecution, error)
	statsFn        func(ctx context.Context, runbookID *uuid.UUID) (*models.ExecutionStats, error)
}

func (m *mockExecutionStore) Create(ctx context.Context, e *models.Execution) error {
	if m.createFn != nil {
		return m.createFn(ctx, e)
	}
	e.ID = uuid.New()
	return nil
}

func (m *mockExecutionStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, errors.NotFound("execution")
}

func (m *mockExecutionStore) List(ctx context.Context, opts models.ExecutionListOptions) ([]*models.Execution, int64, error) {
	if m.listFn != nil {
		return m.listFn(ctx, opts)
	}
	return nil, 0, nil
}

func (m *mockExecutionStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.ExecutionStatus, reason *string) error {
	if m.updateStatusFn != nil {
		return m.updateStatusFn(ctx, id, from, to, reason)
	}
	return nil
}

func (m *mockExecutionStore) ListStepExecutions(ctx context.Context, executionID uuid.UUID) ([]*models.StepExecution, error) {
	if m.listStepsFn != nil {
		return m.listStepsFn(ctx, executionID)
	}
	return nil, nil
}

func (m *mockExecutionStore) Stats(ctx context.Context, runbookID *uuid.UUID) (*models.ExecutionStats, error) {
	if m.statsFn != nil {
		return m.statsFn(ctx, runbookID)
	}
	return &models.ExecutionStats{}, nil
}

type mockRunbookGetter struct {
	getByIDFn func(ctx context.Context, id uuid.UUID) (*models.Runbook, error)
}

func (m *mockRunbookGetter) GetByID(ctx context.Context, id uuid.UUID) (*models.Runbook, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, errors.NotFound("runbook")
}

type mockApprovalDecider struct {
	getPendingFn func(ctx context.Context, executionID uuid.UUID) (*models.ApprovalRequest, error)
	decideFn     func(ctx context.Context, id uuid.UUID, status models.ApprovalStatus, decidedBy *uuid.UUID) error
}

func (m *mockApprovalDecider) GetPendingForExecution(ctx context.Context, executionID uuid.UUID) (*models.ApprovalRequest, error) {
	if m.getPendingFn != nil {
		return m.getPendingFn(ctx, executionID)
	}
	return nil, nil
}

func (m *mockApprovalDecider) Decide(ctx context.Context, id uuid.UUID, status models.ApprovalStatus, decidedBy *uuid.UUID) error {
	if m.decideFn != nil {
		return m.decideFn(ctx, id, status, decidedBy)
	}
	return nil
}

type mockCanceller struct {
	cancelFn func(ctx context.Context, executionID uuid.UUID, withRollback bool) error
}

func (m *mockCanceller) Cancel(ctx context.Context, executionID uuid.UUID, withRollback bool) error {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, executionID, withRollback)
	}
	return nil
}

func enabledRunbook(id uuid.UUID) *models.Runbook {
	return &models.Runbook{
		ID:          id,
		Name:        "restart-web",
		Version:     3,
		DefaultMode: models.ModeSemiAuto,
		IsEnabled:   true,
	}
}

func serveExecutions(h *ExecutionsHandler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

// ============================================================================
// Trigger
// ============================================================================

func TestTriggerEnqueuesExecution(t *testing.T) {
	rbID := uuid.New()
	var created *models.Execution
	execs := &mockExecutionStore{
		createFn: func(_ context.Context, e *models.Execution) error {
			e.ID = uuid.New()
			created = e
			return nil
		},
	}
	runbooks := &mockRunbookGetter{
		getByIDFn: func(_ context.Context, id uuid.UUID) (*models.Runbook, error) {
			return enabledRunbook(id), nil
		},
	}
	h := NewExecutionsHandler(execs, runbooks, &mockApprovalDecider{}, &mockCanceller{}, logger.Nop())

	rec := serveExecutions(h, http.MethodPost, "/", map[string]any{
		"runbook_id": rbID,
		"variables":  map[string]string{"host": "web-1"},
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if created == nil {
		t.Fatal("execution not created")
	}
	if created.RunbookVersion != 3 {
		t.Errorf("RunbookVersion = %d, want current version 3", created.RunbookVersion)
	}
	if created.Mode != models.ModeSemiAuto {
		t.Errorf("Mode = %q, want runbook default semi_auto", created.Mode)
	}
	if created.Status != models.ExecStatusQueued {
		t.Errorf("Status = %q, want queued", created.Status)
	}
	if created.TriggerSource != models.TriggerSourceManual {
		t.Errorf("TriggerSource = %q, want manual", created.TriggerSource)
	}
	vars, _ := created.GetContext()
	if vars["host"] != "web-1" {
		t.Errorf("context host = %q, want web-1", vars["host"])
	}
}

func TestTriggerExplicitModeOverridesDefault(t *testing.T) {
	var created *models.Execution
	execs := &mockExecutionStore{
		createFn: func(_ context.Context, e *models.Execution) error { created = e; return nil },
	}
	runbooks := &mockRunbookGetter{
		getByIDFn: func(_ context.Context, id uuid.UUID) (*models.Runbook, error) {
			return enabledRunbook(id), nil
		},
	}
	h := NewExecutionsHandler(execs, runbooks, &mockApprovalDecider{}, &mockCanceller{}, logger.Nop())

	rec := serveExecutions(h, http.MethodPost, "/", map[string]any{
		"runbook_id": uuid.New(),
		"mode":       "auto",
		"dry_run":    true,
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if created.Mode != models.ModeAuto {
		t.Errorf("Mode = %q, want auto", created.Mode)
	}
	if !created.DryRun {
		t.Error("DryRun flag not carried")
	}
}

func TestTriggerRejectsDisabledRunbook(t *testing.T) {
	runbooks := &mockRunbookGetter{
		getByIDFn: func(_ context.Context, id uuid.UUID) (*models.Runbook, error) {
			rb := enabledRunbook(id)
			rb.IsEnabled = false
			return rb, nil
		},
	}
	h := NewExecutionsHandler(&mockExecutionStore{}, runbooks, &mockApprovalDecider{}, &mockCanceller{}, logger.Nop())

	rec := serveExecutions(h, http.MethodPost, "/", map[string]any{"runbook_id": uuid.New()})

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestTriggerUnknownRunbookIs404(t *testing.T) {
	h := NewExecutionsHandler(&mockExecutionStore{}, &mockRunbookGetter{}, &mockApprovalDecider{}, &mockCanceller{}, logger.Nop())

	rec := serveExecutions(h, http.MethodPost, "/", map[string]any{"runbook_id": uuid.New()})

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

// ============================================================================
// Get
// ============================================================================

func TestGetReturnsExecutionWithSteps(t *testing.T) {
	execID := uuid.New()
	execs := &mockExecutionStore{
		getByIDFn: func(_ context.Context, id uuid.UUID) (*models.Execution, error) {
			return &models.Execution{ID: id, Status: models.ExecStatusCompleted}, nil
		},
		listStepsFn: func(_ context.Context, id uuid.UUID) ([]*models.StepExecution, error) {
			return []*models.StepExecution{
				{ExecutionID: id, StepOrder: 0, StepName: "drain", Outcome: models.StepOutcomeSuccess},
				{ExecutionID: id, StepOrder: 1, StepName: "restart", Outcome: models.StepOutcomeSuccess},
			}, nil
		},
	}
	h := NewExecutionsHandler(execs, &mockRunbookGetter{}, &mockApprovalDecider{}, &mockCanceller{}, logger.Nop())

	rec := serveExecutions(h, http.MethodGet, "/"+execID.String(), nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Execution models.Execution        `json:"execution"`
		Steps     []*models.StepExecution `json:"steps"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Execution.ID != execID {
		t.Errorf("execution ID = %s, want %s", body.Execution.ID, execID)
	}
	if len(body.Steps) != 2 {
		t.Errorf("got %d steps, want 2", len(body.Steps))
	}
}

func TestGetRejectsMalformedID(t *testing.T) {
	h := NewExecutionsHandler(&mockExecutionStore{}, &mockRunbookGetter{}, &mockApprovalDecider{}, &mockCanceller{}, logger.Nop())

	rec := serveExecutions(h, http.MethodGet, "/not-a-uuid", nil)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// ============================================================================
// Cancel
// ============================================================================

func TestCancelPassesRollbackFlag(t *testing.T) {
	var gotID uuid.UUID
	var gotRollback bool
	canceller := &mockCanceller{
		cancelFn: func(_ context.Context, id uuid.UUID, withRollback bool) error {
			gotID, gotRollback = id, withRollback
			return nil
		},
	}
	h := NewExecutionsHandler(&mockExecutionStore{}, &mockRunbookGetter{}, &mockApprovalDecider{}, canceller, logger.Nop())

	execID := uuid.New()
	rec := serveExecutions(h, http.MethodPost, fmt.Sprintf("/%s/cancel", execID), map[string]any{"with_rollback": true})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if gotID != execID || !gotRollback {
		t.Errorf("Cancel(%s, %v), want (%s, true)", gotID, gotRollback, execID)
	}
}

func TestCancelTerminalExecutionConflicts(t *testing.T) {
	canceller := &mockCanceller{
		cancelFn: func(_ context.Context, _ uuid.UUID, _ bool) error {
			return errors.NewConflictError("execution already finished")
		},
	}
	h := NewExecutionsHandler(&mockExecutionStore{}, &mockRunbookGetter{}, &mockApprovalDecider{}, canceller, logger.Nop())

	rec := serveExecutions(h, http.MethodPost, fmt.Sprintf("/%s/cancel", uuid.New()), nil)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

// ============================================================================
// Approve / Reject
// ============================================================================

func TestApproveMovesExecutionBackToQueue(t *testing.T) {
	execID := uuid.New()
	approvalID := uuid.New()

	var decided models.ApprovalStatus
	approvals := &mockApprovalDecider{
		getPendingFn: func(_ context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
			return &models.ApprovalRequest{ID: approvalID, ExecutionID: id, Status: models.ApprovalPending}, nil
		},
		decideFn: func(_ context.Context, id uuid.UUID, status models.ApprovalStatus, _ *uuid.UUID) error {
			if id != approvalID {
				t.Errorf("decided approval %s, want %s", id, approvalID)
			}
			decided = status
			return nil
		},
	}

	var from, to models.ExecutionStatus
	execs := &mockExecutionStore{
		updateStatusFn: func(_ context.Context, id uuid.UUID, f, tt models.ExecutionStatus, _ *string) error {
			from, to = f, tt
			return nil
		},
	}
	h := NewExecutionsHandler(execs, &mockRunbookGetter{}, approvals, &mockCanceller{}, logger.Nop())

	rec := serveExecutions(h, http.MethodPost, fmt.Sprintf("/%s/approve", execID), nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if decided != models.ApprovalApproved {
		t.Errorf("decided = %q, want approved", decided)
	}
	if from != models.ExecStatusAwaitingApproval || to != models.ExecStatusQueued {
		t.Errorf("transition %s -> %s, want awaiting_approval -> queued", from, to)
	}
}

func TestRejectCancelsExecution(t *testing.T) {
	approvals := &mockApprovalDecider{
		getPendingFn: func(_ context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
			return &models.ApprovalRequest{ID: uuid.New(), ExecutionID: id, Status: models.ApprovalPending}, nil
		},
	}
	var to models.ExecutionStatus
	var reason string
	execs := &mockExecutionStore{
		updateStatusFn: func(_ context.Context, _ uuid.UUID, _, tt models.ExecutionStatus, r *string) error {
			to = tt
			if r != nil {
				reason = *r
			}
			return nil
		},
	}
	h := NewExecutionsHandler(execs, &mockRunbookGetter{}, approvals, &mockCanceller{}, logger.Nop())

	rec := serveExecutions(h, http.MethodPost, fmt.Sprintf("/%s/reject", uuid.New()),
		map[string]any{"note": "wrong maintenance window"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if to != models.ExecStatusCancelled {
		t.Errorf("transition to %q, want cancelled", to)
	}
	if reason != "approval rejected: wrong maintenance window" {
		t.Errorf("reason = %q", reason)
	}
}

func TestApproveWithoutPendingApprovalConflicts(t *testing.T) {
	h := NewExecutionsHandler(&mockExecutionStore{}, &mockRunbookGetter{}, &mockApprovalDecider{}, &mockCanceller{}, logger.Nop())

	rec := serveExecutions(h, http.MethodPost, fmt.Sprintf("/%s/approve", uuid.New()), nil)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

// ============================================================================
// List / Stats
// ============================================================================

func TestListAppliesFilters(t *testing.T) {
	var gotOpts models.ExecutionListOptions
	execs := &mockExecutionStore{
		listFn: func(_ context.Context, opts models.ExecutionListOptions) ([]*models.Execution, int64, error) {
			gotOpts = opts
			return []*models.Execution{{ID: uuid.New()}}, 1, nil
		},
	}
	h := NewExecutionsHandler(execs, &mockRunbookGetter{}, &mockApprovalDecider{}, &mockCanceller{}, logger.Nop())

	rbID := uuid.New()
	rec := serveExecutions(h, http.MethodGet, "/?status=failed&runbook_id="+rbID.String()+"&per_page=5", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if gotOpts.Status == nil || *gotOpts.Status != models.ExecStatusFailed {
		t.Error("status filter not applied")
	}
	if gotOpts.RunbookID == nil || *gotOpts.RunbookID != rbID {
		t.Error("runbook filter not applied")
	}
	if gotOpts.Limit != 5 {
		t.Errorf("Limit = %d, want 5", gotOpts.Limit)
	}
}

func TestStats(t *testing.T) {
	execs := &mockExecutionStore{
		statsFn: func(_ context.Context, _ *uuid.UUID) (*models.ExecutionStats, error) {
			return &models.ExecutionStats{Total: 12, SuccessRate: 0.75}, nil
		},
	}
	h := NewExecutionsHandler(execs, &mockRunbookGetter{}, &mockApprovalDecider{}, &mockCanceller{}, logger.Nop())

	rec := serveExecutions(h, http.MethodGet, "/stats", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var stats models.ExecutionStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 12 || stats.SuccessRate != 0.75 {
		t.Errorf("stats = %+v", stats)
	}
}
