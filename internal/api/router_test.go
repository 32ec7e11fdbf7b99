// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fr4nsys/remedia/internal/api/handlers"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

func testRouter(apiKey string) http.Handler {
	config := DefaultRouterConfig()
	config.APIKey = apiKey
	config.Logger = logger.Nop()
	h := &Handlers{
		System: handlers.NewSystemHandler("test", "", "", logger.Nop()),
	}
	return NewRouter(config, h)
}

func TestHealthBypassesAuth(t *testing.T) {
	router := testRouter("s3cret")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without credentials: %s", rec.Code, rec.Body.String())
	}
}

func TestAPIRoutesRequireKey(t *testing.T) {
	config := DefaultRouterConfig()
	config.APIKey = "s3cret"
	config.Logger = logger.Nop()
	h := &Handlers{
		System:   handlers.NewSystemHandler("test", "", "", logger.Nop()),
		Runbooks: handlers.NewRunbooksHandler(nil, logger.Nop()),
	}
	router := NewRouter(config, h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runbooks", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestNotFoundIsJSON(t *testing.T) {
	router := testRouter("")

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("404 body is not JSON: %v: %s", err, rec.Body.String())
	}
	if body.Code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", body.Code)
	}
}

func TestRequestIDHeaderSet(t *testing.T) {
	router := testRouter("")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}
