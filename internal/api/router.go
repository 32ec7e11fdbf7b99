// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/fr4nsys/remedia/internal/api/errors"
	"github.com/fr4nsys/remedia/internal/api/handlers"
	"github.com/fr4nsys/remedia/internal/api/middleware"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	// APIKey guards all /api routes. Empty disables authentication.
	APIKey string

	// RateLimit configures the per-client HTTP request limiter.
	RateLimit middleware.RateLimitConfig

	// RequestTimeout bounds each API request.
	RequestTimeout time.Duration

	// Logger used by the middleware stack.
	Logger *logger.Logger
}

// DefaultRouterConfig returns a default router configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RateLimit:      middleware.DefaultRateLimitConfig(),
		RequestTimeout: 60 * time.Second,
	}
}

// Handlers groups the API handlers the router mounts.
type Handlers struct {
	System     *handlers.SystemHandler
	Executions *handlers.ExecutionsHandler
	Runbooks   *handlers.RunbooksHandler
	Triggers   *handlers.TriggersHandler
	Blackouts  *handlers.BlackoutsHandler
	Safety     *handlers.SafetyHandler
}

// NewRouter assembles the middleware stack and mounts all routes.
func NewRouter(config RouterConfig, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogging(config.Logger))
	r.Use(middleware.Recovery(config.Logger))

	// Health and version live outside /api: probes and load balancers
	// reach them without credentials.
	if h.System != nil {
		r.Mount("/", h.System.Routes())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if config.RequestTimeout > 0 {
			r.Use(chimiddleware.Timeout(config.RequestTimeout))
		}
		r.Use(middleware.RateLimit(config.RateLimit))
		r.Use(middleware.APIKeyAuth(config.APIKey))

		if h.Executions != nil {
			r.Mount("/executions", h.Executions.Routes())
		}
		if h.Runbooks != nil {
			r.Mount("/runbooks", h.Runbooks.Routes())
		}
		if h.Triggers != nil {
			r.Mount("/triggers", h.Triggers.Routes())
			r.Post("/events", h.Triggers.Ingest)
		}
		if h.Blackouts != nil {
			r.Mount("/blackouts", h.Blackouts.Routes())
		}
		if h.Safety != nil {
			r.Mount("/safety", h.Safety.Routes())
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierrors.WriteError(w, apierrors.NotFound(""))
	})

	return r
}
