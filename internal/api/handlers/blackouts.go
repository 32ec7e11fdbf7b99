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

// BlackoutStore is the blackout repository surface the handler needs.
type BlackoutStore interface {
	Create(ctx context.Context, w *models.BlackoutWindow) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.BlackoutWindow, error)
	List(ctx context.Context) ([]*models.BlackoutWindow, error)
	Update(ctx context.Context, w *models.BlackoutWindow) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// BlackoutsHandler handles blackout window CRUD requests.
type BlackoutsHandler struct {
	BaseHandler
	blackouts BlackoutStore
}

// NewBlackoutsHandler creates a new blackouts handler.
func NewBlackoutsHandler(blackouts BlackoutStore, log *logger.Logger) *BlackoutsHandler {
	return &BlackoutsHandler{
		BaseHandler: NewBaseHandler(log),
		blackouts:   blackouts,
	}
}

// Routes returns the blackout routes.
func (h *BlackoutsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{blackoutID}", h.Get)
	r.Put("/{blackoutID}", h.Update)
	r.Delete("/{blackoutID}", h.Delete)

	return r
}

// List handles GET /api/v1/blackouts.
// ?active=true filters to windows covering the current instant.
func (h *BlackoutsHandler) List(w http.ResponseWriter, r *http.Request) {
	windows, err := h.blackouts.List(r.Context())
	if err != nil {
		h.HandleError(w, err)
		return
	}

	if h.QueryParamBool(r, "active", false) {
		now := time.Now()
		active := windows[:0]
		for _, win := range windows {
			if win.ActiveAt(now) {
				active = append(active, win)
			}
		}
		windows = active
	}

	h.OK(w, map[string]any{"blackouts": windows, "count": len(windows)})
}

// Create handles POST /api/v1/blackouts.
func (h *BlackoutsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input models.CreateBlackoutInput
	if err := h.ParseJSON(r, &input); err != nil {
		h.HandleError(w, err)
		return
	}

	if !input.EndsAt.After(input.StartsAt) {
		h.Error(w, apierrors.InvalidInput("ends_at must be after starts_at"))
		return
	}
	switch input.Recurrence {
	case "", models.RecurDaily, models.RecurWeekly, models.RecurMonthly:
	default:
		h.Error(w, apierrors.InvalidInput("recurrence must be one of: daily, weekly, monthly"))
		return
	}

	window := &models.BlackoutWindow{
		Name:       input.Name,
		StartsAt:   input.StartsAt,
		EndsAt:     input.EndsAt,
		Recurrence: input.Recurrence,
		Scope:      input.Scope,
		IsEnabled:  true,
		CreatedBy:  input.CreatedBy,
	}

	if err := h.blackouts.Create(r.Context(), window); err != nil {
		h.HandleError(w, err)
		return
	}

	h.Logger().Info("blackout window created",
		"blackout_id", window.ID, "name", window.Name, "recurrence", window.Recurrence)
	h.Created(w, window)
}

// Get handles GET /api/v1/blackouts/{blackoutID}.
func (h *BlackoutsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := h.URLParamUUID(r, "blackoutID")
	if err != nil {
		h.HandleError(w, err)
		return
	}

	window, err := h.blackouts.GetByID(r.Context(), id)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.OK(w, window)
}

// UpdateBlackoutRequest carries partial blackout window updates.
type UpdateBlackoutRequest struct {
	Name       *string    `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
	Recurrence *string    `json:"recurrence,omitempty"`
	Scope      *string    `json:"scope,omitempty"`
	IsEnabled  *bool      `json:"is_enabled,omitempty"`
}

// Update handles PUT /api/v1/blackouts/{blackoutID}.
func (h *BlackoutsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := h.URLParamUUID(r, "blackoutID")
	if err != nil {
		h.HandleError(w, err)
		return
	}

	var req UpdateBlackoutRequest
	if err := h.ParseJSON(r, &req); err != nil {
		h.HandleError(w, err)
		return
	}

	window, err := h.blackouts.GetByID(r.Context(), id)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	if req.Name != nil {
		window.Name = *req.Name
	}
	if req.StartsAt != nil {
		window.StartsAt = *req.StartsAt
	}
	if req.EndsAt != nil {
		window.EndsAt = *req.EndsAt
	}
	if req.Recurrence != nil {
		window.Recurrence = *req.Recurrence
	}
	if req.Scope != nil {
		window.Scope = req.Scope
	}
	if req.IsEnabled != nil {
		window.IsEnabled = *req.IsEnabled
	}

	if !window.EndsAt.After(window.StartsAt) {
		h.Error(w, apierrors.InvalidInput("ends_at must be after starts_at"))
		return
	}

	if err := h.blackouts.Update(r.Context(), window); err != nil {
		h.HandleError(w, err)
		return
	}

	h.OK(w, window)
}

// Delete handles DELETE /api/v1/blackouts/{blackoutID}.
func (h *BlackoutsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := h.URLParamUUID(r, "blackoutID")
	if err != nil {
		h.HandleError(w, err)
		return
	}

	if err := h.blackouts.Delete(r.Context(), id); err != nil {
		h.HandleError(w, err)
		return
	}

	h.NoContent(w)
}
