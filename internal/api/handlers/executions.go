// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/fr4nsys/remedia/internal/api/errors"
	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

// ExecutionStore is the execution repository surface the handler needs.
type ExecutionStore interface {
	Create(ctx context.Context, e *models.Execution) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error)
	List(ctx context.Context, opts models.ExecutionListOptions) ([]*models.Execution, int64, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.ExecutionStatus, reason *string) error
	ListStepExecutions(ctx context.Context, executionID uuid.UUID) ([]*models.StepExecution, error)
	Stats(ctx context.Context, runbookID *uuid.UUID) (*models.ExecutionStats, error)
}

// RunbookGetter loads runbooks for trigger requests.
type RunbookGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Runbook, error)
}

// ApprovalDecider handles approve/reject of parked executions.
type ApprovalDecider interface {
	GetPendingForExecution(ctx context.Context, executionID uuid.UUID) (*models.ApprovalRequest, error)
	Decide(ctx context.Context, id uuid.UUID, status models.ApprovalStatus, decidedBy *uuid.UUID) error
}

// Canceller interrupts a running execution, or cancels a queued one.
type Canceller interface {
	Cancel(ctx context.Context, executionID uuid.UUID, withRollback bool) error
}

// ExecutionsHandler handles execution API requests.
type ExecutionsHandler struct {
	BaseHandler
	executions ExecutionStore
	runbooks   RunbookGetter
	approvals  ApprovalDecider
	canceller  Canceller
}

// NewExecutionsHandler creates a new executions handler.
func NewExecutionsHandler(executions ExecutionStore, runbooks RunbookGetter, approvals ApprovalDecider, canceller Canceller, log *logger.Logger) *ExecutionsHandler {
	return &ExecutionsHandler{
		BaseHandler: NewBaseHandler(log),
		executions:  executions,
		runbooks:    runbooks,
		approvals:   approvals,
		canceller:   canceller,
	}
}

// Routes returns the execution routes.
func (h *ExecutionsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Trigger)
	r.Get("/stats", h.Stats)
	r.Get("/{executionID}", h.Get)
	r.Post("/{executionID}/cancel", h.Cancel)
	r.Post("/{executionID}/approve", h.Approve)
	r.Post("/{executionID}/reject", h.Reject)

	return r
}

// TriggerRequest starts a manual (or dry-run) execution of a runbook.
type TriggerRequest struct {
	RunbookID uuid.UUID            `json:"runbook_id" validate:"required"`
	Mode      models.ExecutionMode `json:"mode,omitempty" validate:"execution_mode"`
	DryRun    bool                 `json:"dry_run,omitempty"`
	Variables map[string]string    `json:"variables,omitempty"`
	CreatedBy *uuid.UUID           `json:"created_by,omitempty"`
}

// Trigger handles POST /api/v1/executions.
// The execution is enqueued; the scheduler picks it up under the global
// concurrency cap. Responds 202 with the queued execution.
func (h *ExecutionsHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := h.ParseJSON(r, &req); err != nil {
		h.HandleError(w, err)
		return
	}

	rb, err := h.runbooks.GetByID(r.Context(), req.RunbookID)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	if !rb.IsEnabled {
		h.Error(w, apierrors.RunbookDisabled(rb.Name))
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = rb.DefaultMode
	}

	exec := &models.Execution{
		RunbookID:      rb.ID,
		RunbookVersion: rb.Version,
		TriggerSource:  models.TriggerSourceManual,
		Mode:           mode,
		Status:         models.ExecStatusQueued,
		DryRun:         req.DryRun,
		CreatedBy:      req.CreatedBy,
	}
	if len(req.Variables) > 0 {
		if err := exec.SetContext(req.Variables); err != nil {
			h.InternalError(w, err)
			return
		}
	}

	if err := h.executions.Create(r.Context(), exec); err != nil {
		h.HandleError(w, err)
		return
	}

	h.Logger().Info("execution enqueued",
		"execution_id", exec.ID, "runbook", rb.Name, "mode", mode, "dry_run", req.DryRun)
	h.Accepted(w, exec)
}

// List handles GET /api/v1/executions.
// Filters: ?runbook_id=, ?status=, ?since=, ?until= plus standard pagination.
func (h *ExecutionsHandler) List(w http.ResponseWriter, r *http.Request) {
	pagination := h.GetPagination(r)

	opts := models.ExecutionListOptions{
		Limit:     pagination.PerPage,
		Offset:    pagination.Offset,
		RunbookID: h.QueryParamUUID(r, "runbook_id"),
	}

	if status := h.QueryParam(r, "status"); status != "" {
		s := models.ExecutionStatus(status)
		opts.Status = &s
	}
	if since := h.QueryParam(r, "since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			opts.After = &t
		}
	}
	if until := h.QueryParam(r, "until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			opts.Before = &t
		}
	}

	execs, total, err := h.executions.List(r.Context(), opts)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.OK(w, NewPaginatedResponse(execs, total, pagination))
}

// Get handles GET /api/v1/executions/{executionID}.
// Returns the execution together with its full step attempt history.
func (h *ExecutionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := h.URLParamUUID(r, "executionID")
	if err != nil {
		h.HandleError(w, err)
		return
	}

	exec, err := h.executions.GetByID(r.Context(), id)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	steps, err := h.executions.ListStepExecutions(r.Context(), id)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.OK(w, map[string]any{
		"execution": exec,
		"steps":     steps,
	})
}

// Stats handles GET /api/v1/executions/stats.
func (h *ExecutionsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.executions.Stats(r.Context(), h.QueryParamUUID(r, "runbook_id"))
	if err != nil {
		h.HandleError(w, err)
		return
	}
	h.OK(w, stats)
}

// CancelRequest controls how an execution is cancelled.
type CancelRequest struct {
	WithRollback bool `json:"with_rollback,omitempty"`
}

// Cancel handles POST /api/v1/executions/{executionID}/cancel.
// An empty body cancels without rollback.
func (h *ExecutionsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := h.URLParamUUID(r, "executionID")
	if err != nil {
		h.HandleError(w, err)
		return
	}

	var req CancelRequest
	if r.ContentLength > 0 {
		if err := h.ParseJSON(r, &req); err != nil {
			h.HandleError(w, err)
			return
		}
	}

	if err := h.canceller.Cancel(r.Context(), id, req.WithRollback); err != nil {
		h.HandleError(w, err)
		return
	}

	h.Logger().Info("execution cancel requested",
		"execution_id", id, "with_rollback", req.WithRollback)
	h.Accepted(w, map[string]any{
		"execution_id":  id,
		"with_rollback": req.WithRollback,
	})
}

// DecisionRequest identifies who decided a pending approval.
type DecisionRequest struct {
	DecidedBy *uuid.UUID `json:"decided_by,omitempty"`
	Note      string     `json:"note,omitempty" validate:"max=2000"`
}

// Approve handles POST /api/v1/executions/{executionID}/approve.
// Approving moves the execution back to queued; the scheduler re-admits
// it under the concurrency cap.
func (h *ExecutionsHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, models.ApprovalApproved)
}

// Reject handles POST /api/v1/executions/{executionID}/reject.
// Rejecting cancels the execution.
func (h *ExecutionsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, models.ApprovalRejected)
}

func (h *ExecutionsHandler) decide(w http.ResponseWriter, r *http.Request, status models.ApprovalStatus) {
	id, err := h.URLParamUUID(r, "executionID")
	if err != nil {
		h.HandleError(w, err)
		return
	}

	var req DecisionRequest
	if r.ContentLength > 0 {
		if err := h.ParseJSON(r, &req); err != nil {
			h.HandleError(w, err)
			return
		}
	}

	approval, err := h.approvals.GetPendingForExecution(r.Context(), id)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	if approval == nil {
		h.Error(w, apierrors.Conflict("execution has no pending approval"))
		return
	}

	if err := h.approvals.Decide(r.Context(), approval.ID, status, req.DecidedBy); err != nil {
		h.HandleError(w, err)
		return
	}

	// Move the parked execution along: approved goes back to the queue,
	// rejected ends it.
	var reason string
	var next models.ExecutionStatus
	if status == models.ApprovalApproved {
		next = models.ExecStatusQueued
		reason = "approved"
	} else {
		next = models.ExecStatusCancelled
		reason = "approval rejected"
	}
	if req.Note != "" {
		reason = reason + ": " + req.Note
	}
	if err := h.executions.UpdateStatus(r.Context(), id, models.ExecStatusAwaitingApproval, next, &reason); err != nil {
		h.HandleError(w, err)
		return
	}

	h.Logger().Info("approval decided",
		"execution_id", id, "approval_id", approval.ID, "status", status)
	h.OK(w, map[string]any{
		"execution_id": id,
		"approval_id":  approval.ID,
		"status":       status,
	})
}
