// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

// RunbookStore is the runbook repository surface the handler needs.
type RunbookStore interface {
	Create(ctx context.Context, rb *models.Runbook) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Runbook, error)
	GetVersion(ctx context.Context, id uuid.UUID, version int) (*models.Runbook, error)
	List(ctx context.Context, opts models.RunbookListOptions) ([]*models.Runbook, int64, error)
	Update(ctx context.Context, rb *models.Runbook) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// RunbooksHandler handles runbook CRUD requests.
type RunbooksHandler struct {
	BaseHandler
	runbooks RunbookStore
}

// NewRunbooksHandler creates a new runbooks handler.
func NewRunbooksHandler(runbooks RunbookStore, log *logger.Logger) *RunbooksHandler {
	return &RunbooksHandler{
		BaseHandler: NewBaseHandler(log),
		runbooks:    runbooks,
	}
}

// Routes returns the runbook routes.
func (h *RunbooksHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{runbookID}", h.Get)
	r.Put("/{runbookID}", h.Update)
	r.Delete("/{runbookID}", h.Delete)
	r.Post("/{runbookID}/enable", h.Enable)
	r.Post("/{runbookID}/disable", h.Disable)

	return r
}

// List handles GET /api/v1/runbooks.
// Filters: ?enabled=, ?name= (substring) plus standard pagination.
func (h *RunbooksHandler) List(w http.ResponseWriter, r *http.Request) {
	pagination := h.GetPagination(r)

	opts := models.RunbookListOptions{
		Limit:  pagination.PerPage,
		Offset: pagination.Offset,
	}
	if enabled := h.QueryParam(r, "enabled"); enabled != "" {
		v := enabled == "true"
		opts.IsEnabled = &v
	}
	if name := h.QueryParam(r, "name"); name != "" {
		opts.NameLike = &name
	}

	rbs, total, err := h.runbooks.List(r.Context(), opts)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.OK(w, NewPaginatedResponse(rbs, total, pagination))
}

// Create handles POST /api/v1/runbooks.
func (h *RunbooksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input models.CreateRunbookInput
	if err := h.ParseJSON(r, &input); err != nil {
		h.HandleError(w, err)
		return
	}

	rb := &models.Runbook{
		Name:          input.Name,
		Description:   input.Description,
		DefaultMode:   input.DefaultMode,
		FailurePolicy: input.FailurePolicy,
		IsEnabled:     input.IsEnabled,
	}
	if rb.DefaultMode == "" {
		rb.DefaultMode = models.ModeManual
	}
	if rb.FailurePolicy == "" {
		rb.FailurePolicy = models.FailurePolicyAbort
	}
	if err := rb.SetSteps(input.Steps); err != nil {
		h.HandleError(w, err)
		return
	}

	if err := h.runbooks.Create(r.Context(), rb); err != nil {
		h.HandleError(w, err)
		return
	}

	h.Logger().Info("runbook created", "runbook_id", rb.ID, "name", rb.Name)
	h.Created(w, rb)
}

// Get handles GET /api/v1/runbooks/{runbookID}.
// ?version=N returns a frozen historic version.
func (h *RunbooksHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := h.URLParamUUID(r, "runbookID")
	if err != nil {
		h.HandleError(w, err)
		return
	}

	var rb *models.Runbook
	if version := h.QueryParamInt(r, "version", 0); version > 0 {
		rb, err = h.runbooks.GetVersion(r.Context(), id, version)
	} else {
		rb, err = h.runbooks.GetByID(r.Context(), id)
	}
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.OK(w, rb)
}

// Update handles PUT /api/v1/runbooks/{runbookID}.
// Any change to steps bumps the runbook version; running executions keep
// the version they started with.
func (h *RunbooksHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := h.URLParamUUID(r, "runbookID")
	if err != nil {
		h.HandleError(w, err)
		return
	}

	var input models.UpdateRunbookInput
	if err := h.ParseJSON(r, &input); err != nil {
		h.HandleError(w, err)
		return
	}

	rb, err := h.runbooks.GetByID(r.Context(), id)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	if input.Name != nil {
		rb.Name = *input.Name
	}
	if input.Description != nil {
		rb.Description = *input.Description
	}
	if input.DefaultMode != nil {
		rb.DefaultMode = *input.DefaultMode
	}
	if input.FailurePolicy != nil {
		rb.FailurePolicy = *input.FailurePolicy
	}
	if input.IsEnabled != nil {
		rb.IsEnabled = *input.IsEnabled
	}
	if input.Steps != nil {
		if err := rb.SetSteps(input.Steps); err != nil {
			h.HandleError(w, err)
			return
		}
	}

	if err := h.runbooks.Update(r.Context(), rb); err != nil {
		h.HandleError(w, err)
		return
	}

	h.Logger().Info("runbook updated", "runbook_id", rb.ID, "version", rb.Version)
	h.OK(w, rb)
}

// Delete handles DELETE /api/v1/runbooks/{runbookID}.
func (h *RunbooksHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := h.URLParamUUID(r, "runbookID")
	if err != nil {
		h.HandleError(w, err)
		return
	}

	if err := h.runbooks.Delete(r.Context(), id); err != nil {
		h.HandleError(w, err)
		return
	}

	h.Logger().Info("runbook deleted", "runbook_id", id)
	h.NoContent(w)
}

// Enable handles POST /api/v1/runbooks/{runbookID}/enable.
func (h *RunbooksHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// Disable handles POST /api/v1/runbooks/{runbookID}/disable.
func (h *RunbooksHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *RunbooksHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := h.URLParamUUID(r, "runbookID")
	if err != nil {
		h.HandleError(w, err)
		return
	}

	if err := h.runbooks.SetEnabled(r.Context(), id, enabled); err != nil {
		h.HandleError(w, err)
		return
	}

	h.OK(w, map[string]any{"runbook_id": id, "is_enabled": enabled})
}
