// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

//go:build e2e

// Package e2e contains end-to-end tests for remedia.
// These tests run against an already-started server with PostgreSQL
// (and optionally NATS) behind it.
//
// Run with: go test -tags=e2e -v ./tests/e2e/...
//
// Environment variables:
//   - REMEDIA_TEST_API_URL: API base URL of the running server (required; tests skip without it)
//   - REMEDIA_TEST_API_KEY: API key for authenticated requests (optional)
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// testConfig holds E2E test configuration.
type testConfig struct {
	APIURL string
	APIKey string
}

func getTestConfig() testConfig {
	return testConfig{
		APIURL: os.Getenv("REMEDIA_TEST_API_URL"),
		APIKey: os.Getenv("REMEDIA_TEST_API_KEY"),
	}
}

// apiClient provides helper methods for making API requests during E2E tests.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *apiClient) get(path string) (*http.Response, error) {
	return c.doRequest(http.MethodGet, path, nil)
}

func (c *apiClient) post(path string, body any) (*http.Response, error) {
	return c.doRequest(http.MethodPost, path, body)
}

func (c *apiClient) delete(path string) (*http.Response, error) {
	return c.doRequest(http.MethodDelete, path, nil)
}

func (c *apiClient) doRequest(method, path string, body any) (*http.Response, error) {
	url := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	return c.httpClient.Do(req)
}

func (c *apiClient) parseJSON(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return result, nil
}

// TestE2E_HealthEndpoints verifies health endpoints are accessible.
func TestE2E_HealthEndpoints(t *testing.T) {
	cfg := getTestConfig()
	if cfg.APIURL == "" {
		t.Skip("REMEDIA_TEST_API_URL not set, skipping E2E health tests")
	}

	client := newAPIClient(cfg.APIURL, "")

	t.Run("health endpoint returns OK", func(t *testing.T) {
		resp, err := client.get("/health")
		if err != nil {
			t.Fatalf("health request failed: %v", err)
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			t.Fatalf("expected 200, got %d: %s", resp.StatusCode, string(body))
		}

		result, err := client.parseJSON(resp)
		if err != nil {
			t.Fatalf("failed to parse health response: %v", err)
		}

		if result["status"] == nil {
			t.Error("expected status field in health response")
		}
	})

	t.Run("version endpoint returns version info", func(t *testing.T) {
		resp, err := client.get("/version")
		if err != nil {
			t.Fatalf("version request failed: %v", err)
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}

		result, err := client.parseJSON(resp)
		if err != nil {
			t.Fatalf("failed to parse version response: %v", err)
		}

		if result["version"] == nil {
			t.Error("expected version field in response")
		}
	})
}

// TestE2E_Authentication verifies API key enforcement.
func TestE2E_Authentication(t *testing.T) {
	cfg := getTestConfig()
	if cfg.APIURL == "" {
		t.Skip("REMEDIA_TEST_API_URL not set, skipping E2E auth tests")
	}
	if cfg.APIKey == "" {
		t.Skip("REMEDIA_TEST_API_KEY not set, server runs unauthenticated")
	}

	t.Run("api routes without key return 401", func(t *testing.T) {
		anon := newAPIClient(cfg.APIURL, "")
		resp, err := anon.get("/api/v1/runbooks")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("api routes with key return 200", func(t *testing.T) {
		client := newAPIClient(cfg.APIURL, cfg.APIKey)
		resp, err := client.get("/api/v1/runbooks")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}
	})
}

// TestE2E_RunbookLifecycle exercises runbook CRUD and a dry-run execution
// end to end: create a runbook, trigger it in dry-run mode, poll until the
// execution finishes, then clean up.
func TestE2E_RunbookLifecycle(t *testing.T) {
	cfg := getTestConfig()
	if cfg.APIURL == "" {
		t.Skip("REMEDIA_TEST_API_URL not set, skipping E2E runbook tests")
	}

	client := newAPIClient(cfg.APIURL, cfg.APIKey)

	// Create
	resp, err := client.post("/api/v1/runbooks", map[string]any{
		"name":         fmt.Sprintf("e2e-noop-%d", time.Now().UnixNano()),
		"description":  "created by the e2e suite",
		"default_mode": "auto",
		"is_enabled":   true,
		"steps": []map[string]any{
			{"name": "check uptime", "kind": "command", "target": "localhost", "command": "uptime"},
		},
	})
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, string(body))
	}
	created, err := client.parseJSON(resp)
	if err != nil {
		t.Fatalf("failed to parse create response: %v", err)
	}
	runbookID, _ := created["id"].(string)
	if runbookID == "" {
		t.Fatal("expected runbook id in create response")
	}

	defer func() {
		resp, err := client.delete("/api/v1/runbooks/" + runbookID)
		if err == nil {
			resp.Body.Close()
		}
	}()

	// Trigger in dry-run: no command ever reaches a target.
	resp, err = client.post("/api/v1/executions", map[string]any{
		"runbook_id": runbookID,
		"mode":       "auto",
		"dry_run":    true,
	})
	if err != nil {
		t.Fatalf("execute request failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, string(body))
	}
	exec, err := client.parseJSON(resp)
	if err != nil {
		t.Fatalf("failed to parse execute response: %v", err)
	}
	execID, _ := exec["id"].(string)
	if execID == "" {
		t.Fatal("expected execution id in execute response")
	}

	// Poll until the scheduler picks it up and the dry run completes.
	deadline := time.Now().Add(30 * time.Second)
	for {
		resp, err := client.get("/api/v1/executions/" + execID)
		if err != nil {
			t.Fatalf("get execution failed: %v", err)
		}
		result, err := client.parseJSON(resp)
		if err != nil {
			t.Fatalf("failed to parse execution response: %v", err)
		}

		execution, _ := result["execution"].(map[string]any)
		status, _ := execution["status"].(string)
		switch status {
		case "completed":
			return
		case "failed", "blocked", "cancelled":
			t.Fatalf("execution finished with status %q", status)
		}

		if time.Now().After(deadline) {
			t.Fatalf("execution did not finish in time, last status %q", status)
		}
		time.Sleep(500 * time.Millisecond)
	}
}
