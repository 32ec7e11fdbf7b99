// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/fr4nsys/remedia/internal/api/errors"
	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

// SafetyStore is the safety state repository surface the handler needs.
type SafetyStore interface {
	ListBreakers(ctx context.Context) ([]*models.CircuitBreaker, error)
	SafetyStatus(ctx context.Context, scope string, rateLimit int) (*models.SafetyStatus, error)
	ResetBreaker(ctx context.Context, scope string) error
}

// SafetyHandler exposes safety controller state and the manual breaker
// reset override.
type SafetyHandler struct {
	BaseHandler
	state     SafetyStore
	rateLimit int // configured per-scope execution rate limit, for display
	audit     *logger.Logger
}

// NewSafetyHandler creates a new safety handler.
func NewSafetyHandler(state SafetyStore, rateLimit int, log *logger.Logger) *SafetyHandler {
	return &SafetyHandler{
		BaseHandler: NewBaseHandler(log),
		state:       state,
		rateLimit:   rateLimit,
		audit:       log.Named("audit"),
	}
}

// Routes returns the safety routes.
func (h *SafetyHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/breakers", h.ListBreakers)
	r.Get("/scopes/{scope}", h.ScopeStatus)
	r.Post("/breakers/{scope}/reset", h.ResetBreaker)

	return r
}

// ListBreakers handles GET /api/v1/safety/breakers.
func (h *SafetyHandler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	breakers, err := h.state.ListBreakers(r.Context())
	if err != nil {
		h.HandleError(w, err)
		return
	}
	h.OK(w, map[string]any{"breakers": breakers, "count": len(breakers)})
}

// ScopeStatus handles GET /api/v1/safety/scopes/{scope}.
// Returns the breaker position, rate window usage and active blackouts
// for one scope.
func (h *SafetyHandler) ScopeStatus(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if scope == "" {
		h.BadRequest(w, "scope is required")
		return
	}

	status, err := h.state.SafetyStatus(r.Context(), scope, h.rateLimit)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.OK(w, status)
}

// ResetBreakerRequest is the operator override for a tripped breaker.
// The reason is mandatory and lands in the audit log.
type ResetBreakerRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=2000"`
	By     string `json:"by,omitempty" validate:"max=255"`
}

// ResetBreaker handles POST /api/v1/safety/breakers/{scope}/reset.
func (h *SafetyHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if scope == "" {
		h.BadRequest(w, "scope is required")
		return
	}

	var req ResetBreakerRequest
	if err := h.ParseJSON(r, &req); err != nil {
		h.HandleError(w, err)
		return
	}
	if req.Reason == "" {
		h.Error(w, apierrors.MissingField("reason"))
		return
	}

	if err := h.state.ResetBreaker(r.Context(), scope); err != nil {
		h.HandleError(w, err)
		return
	}

	h.audit.Warn("circuit breaker manually reset",
		"scope", scope, "reason", req.Reason, "by", req.By, "ip", r.RemoteAddr)
	h.OK(w, map[string]any{"scope": scope, "state": models.BreakerClosed})
}
