// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

// HealthChecker reports the health of one component.
type HealthChecker func(ctx context.Context) error

// DatabaseHealthChecker wraps a database ping.
func DatabaseHealthChecker(pingFn func(ctx context.Context) error) HealthChecker {
	return HealthChecker(pingFn)
}

// NATSHealthChecker wraps a connection check.
func NATSHealthChecker(isConnectedFn func() bool) HealthChecker {
	return func(context.Context) error {
		if !isConnectedFn() {
			return errNotConnected
		}
		return nil
	}
}

var errNotConnected = &notConnectedError{}

type notConnectedError struct{}

func (e *notConnectedError) Error() string { return "not connected" }

// SystemHandler serves health and version endpoints.
type SystemHandler struct {
	BaseHandler
	version   string
	commit    string
	buildTime string
	startedAt time.Time

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewSystemHandler creates a new system handler.
func NewSystemHandler(version, commit, buildTime string, log *logger.Logger) *SystemHandler {
	return &SystemHandler{
		BaseHandler: NewBaseHandler(log),
		version:     version,
		commit:      commit,
		buildTime:   buildTime,
		startedAt:   time.Now(),
		checkers:    make(map[string]HealthChecker),
	}
}

// RegisterHealthChecker registers a named component health check.
func (h *SystemHandler) RegisterHealthChecker(name string, checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Routes returns the system routes.
func (h *SystemHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Get("/version", h.Version)
	return r
}

// Health handles GET /health. Degraded components turn the overall
// status to "unhealthy" and the response code to 503.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make(map[string]HealthChecker, len(h.checkers))
	for name, c := range h.checkers {
		checkers[name] = c
	}
	h.mu.RUnlock()

	components := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := checkers[name](ctx); err != nil {
			components[name] = err.Error()
			healthy = false
		} else {
			components[name] = "ok"
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	h.JSON(w, code, map[string]any{
		"status":         status,
		"components":     components,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// Version handles GET /version.
func (h *SystemHandler) Version(w http.ResponseWriter, r *http.Request) {
	h.OK(w, map[string]string{
		"version":    h.version,
		"commit":     h.commit,
		"build_time": h.buildTime,
	})
}
