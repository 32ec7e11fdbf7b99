// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fr4nsys/remedia/internal/pkg/errors"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

func TestHealthAllComponentsOK(t *testing.T) {
	h := NewSystemHandler("1.2.3", "abc123", "2026-01-01", logger.Nop())
	h.RegisterHealthChecker("database", func(context.Context) error { return nil })
	h.RegisterHealthChecker("nats", func(context.Context) error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q, want healthy", body.Status)
	}
	if body.Components["database"] != "ok" || body.Components["nats"] != "ok" {
		t.Errorf("components = %v", body.Components)
	}
}

func TestHealthDegradedComponentIs503(t *testing.T) {
	h := NewSystemHandler("1.2.3", "abc123", "2026-01-01", logger.Nop())
	h.RegisterHealthChecker("database", func(context.Context) error { return nil })
	h.RegisterHealthChecker("nats", func(context.Context) error {
		return errors.New(errors.CodeUnavailable, "connection refused")
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", body.Status)
	}
	if body.Components["database"] != "ok" {
		t.Errorf("healthy component reported as %q", body.Components["database"])
	}
}

func TestVersionEndpoint(t *testing.T) {
	h := NewSystemHandler("1.2.3", "abc123", "2026-01-01", logger.Nop())

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["version"] != "1.2.3" || body["commit"] != "abc123" {
		t.Errorf("body = %v", body)
	}
}

func TestNATSHealthChecker(t *testing.T) {
	up := NATSHealthChecker(func() bool { return true })
	if err := up(context.Background()); err != nil {
		t.Errorf("connected checker returned %v", err)
	}

	down := NATSHealthChecker(func() bool { return false })
	if err := down(context.Background()); err == nil {
		t.Error("disconnected checker returned nil")
	}
}
