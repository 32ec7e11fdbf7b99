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

	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
	"github.com/fr4nsys/remedia/internal/trigger"
)

// TriggerRuleStore is the trigger rule repository surface the handler needs.
type TriggerRuleStore interface {
	Create(ctx context.Context, tr *models.TriggerRule) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.TriggerRule, error)
	List(ctx context.Context) ([]*models.TriggerRule, error)
	Update(ctx context.Context, tr *models.TriggerRule) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// EventMatcher resolves a normalized event to at most one trigger match.
type EventMatcher interface {
	Match(ctx context.Context, event *models.Event) (*trigger.Match, error)
}

// ExecutionCreator enqueues executions for matched events.
type ExecutionCreator interface {
	Create(ctx context.Context, e *models.Execution) error
}

// TriggersHandler handles trigger rule CRUD and normalized event intake.
type TriggersHandler struct {
	BaseHandler
	rules      TriggerRuleStore
	matcher    EventMatcher
	executions ExecutionCreator
	runbooks   RunbookGetter
}

// NewTriggersHandler creates a new triggers handler.
func NewTriggersHandler(rules TriggerRuleStore, matcher EventMatcher, executions ExecutionCreator, runbooks RunbookGetter, log *logger.Logger) *TriggersHandler {
	return &TriggersHandler{
		BaseHandler: NewBaseHandler(log),
		rules:       rules,
		matcher:     matcher,
		executions:  executions,
		runbooks:    runbooks,
	}
}

// Routes returns the trigger rule routes.
func (h *TriggersHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{ruleID}", h.Get)
	r.Put("/{ruleID}", h.Update)
	r.Delete("/{ruleID}", h.Delete)

	return r
}

// List handles GET /api/v1/triggers.
func (h *TriggersHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context())
	if err != nil {
		h.HandleError(w, err)
		return
	}
	h.OK(w, map[string]any{"rules": rules, "count": len(rules)})
}

// Create handles POST /api/v1/triggers.
func (h *TriggersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input models.CreateTriggerRuleInput
	if err := h.ParseJSON(r, &input); err != nil {
		h.HandleError(w, err)
		return
	}

	rule := &models.TriggerRule{
		Name:               input.Name,
		Priority:           input.Priority,
		RunbookID:          input.RunbookID,
		Mode:               input.Mode,
		Schedule:           input.Schedule,
		DedupWindowSeconds: input.DedupWindowSeconds,
		IsEnabled:          true,
	}
	if err := rule.SetPatterns(input.Patterns); err != nil {
		h.HandleError(w, err)
		return
	}

	if err := h.rules.Create(r.Context(), rule); err != nil {
		h.HandleError(w, err)
		return
	}

	h.Logger().Info("trigger rule created", "rule_id", rule.ID, "name", rule.Name)
	h.Created(w, rule)
}

// Get handles GET /api/v1/triggers/{ruleID}.
func (h *TriggersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := h.URLParamUUID(r, "ruleID")
	if err != nil {
		h.HandleError(w, err)
		return
	}

	rule, err := h.rules.GetByID(r.Context(), id)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.OK(w, rule)
}

// UpdateTriggerRuleRequest carries partial trigger rule updates.
type UpdateTriggerRuleRequest struct {
	Name               *string               `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Priority           *int                  `json:"priority,omitempty"`
	Patterns           []models.FieldPattern `json:"patterns,omitempty"`
	RunbookID          *uuid.UUID            `json:"runbook_id,omitempty"`
	Mode               *models.ExecutionMode `json:"mode,omitempty"`
	Schedule           *string               `json:"schedule,omitempty" validate:"omitempty,cron"`
	DedupWindowSeconds *int                  `json:"dedup_window_seconds,omitempty"`
	IsEnabled          *bool                 `json:"is_enabled,omitempty"`
}

// Update handles PUT /api/v1/triggers/{ruleID}.
func (h *TriggersHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := h.URLParamUUID(r, "ruleID")
	if err != nil {
		h.HandleError(w, err)
		return
	}

	var req UpdateTriggerRuleRequest
	if err := h.ParseJSON(r, &req); err != nil {
		h.HandleError(w, err)
		return
	}

	rule, err := h.rules.GetByID(r.Context(), id)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Patterns != nil {
		if err := rule.SetPatterns(req.Patterns); err != nil {
			h.HandleError(w, err)
			return
		}
	}
	if req.RunbookID != nil {
		rule.RunbookID = *req.RunbookID
	}
	if req.Mode != nil {
		rule.Mode = *req.Mode
	}
	if req.Schedule != nil {
		rule.Schedule = req.Schedule
	}
	if req.DedupWindowSeconds != nil {
		rule.DedupWindowSeconds = *req.DedupWindowSeconds
	}
	if req.IsEnabled != nil {
		rule.IsEnabled = *req.IsEnabled
	}

	if err := h.rules.Update(r.Context(), rule); err != nil {
		h.HandleError(w, err)
		return
	}

	h.OK(w, rule)
}

// Delete handles DELETE /api/v1/triggers/{ruleID}.
func (h *TriggersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := h.URLParamUUID(r, "ruleID")
	if err != nil {
		h.HandleError(w, err)
		return
	}

	if err := h.rules.Delete(r.Context(), id); err != nil {
		h.HandleError(w, err)
		return
	}

	h.NoContent(w)
}

// ============================================================================
// Event intake
// ============================================================================

// EventRequest is one normalized alert-like event. Ingestion and
// normalization happen upstream; this endpoint only runs the matcher.
type EventRequest struct {
	Name        string            `json:"name" validate:"required"`
	Labels      map[string]string `json:"labels,omitempty"`
	Severity    string            `json:"severity,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Ingest handles POST /api/v1/events.
// A matched event enqueues an execution unless fingerprint dedup resolves
// it onto an existing one. An unmatched event is not an error.
func (h *TriggersHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := h.ParseJSON(r, &req); err != nil {
		h.HandleError(w, err)
		return
	}

	event := &models.Event{
		Name:        req.Name,
		Labels:      req.Labels,
		Severity:    req.Severity,
		Fingerprint: req.Fingerprint,
		Annotations: req.Annotations,
		ReceivedAt:  time.Now(),
	}

	match, err := h.matcher.Match(r.Context(), event)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	if match == nil {
		h.OK(w, map[string]any{"matched": false})
		return
	}

	if match.Existing != nil {
		h.OK(w, map[string]any{
			"matched":      true,
			"rule_id":      match.Rule.ID,
			"deduplicated": true,
			"execution_id": match.Existing.ID,
		})
		return
	}

	rb, err := h.runbooks.GetByID(r.Context(), match.Rule.RunbookID)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	if !rb.IsEnabled {
		h.OK(w, map[string]any{
			"matched": true,
			"rule_id": match.Rule.ID,
			"skipped": "runbook disabled",
		})
		return
	}

	ruleRef := match.Rule.ID.String()
	exec := &models.Execution{
		RunbookID:      rb.ID,
		RunbookVersion: rb.Version,
		TriggerSource:  models.TriggerSourceAlert,
		TriggerRef:     &ruleRef,
		Mode:           match.Mode,
		Status:         models.ExecStatusQueued,
	}
	if event.Fingerprint != "" {
		exec.Fingerprint = &event.Fingerprint
	}

	if err := h.executions.Create(r.Context(), exec); err != nil {
		h.HandleError(w, err)
		return
	}

	h.Logger().Info("event matched, execution enqueued",
		"event", event.Name, "rule", match.Rule.Name, "execution_id", exec.ID)
	h.Accepted(w, map[string]any{
		"matched":      true,
		"rule_id":      match.Rule.ID,
		"deduplicated": false,
		"execution_id": exec.ID,
	})
}
