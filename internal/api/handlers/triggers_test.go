// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/errors"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
	"github.com/fr4nsys/remedia/internal/trigger"
)

// ============================================================================
// Mocks
// ============================================================================

type mockTriggerRuleStore struct {
	createFn  func(ctx context.Context, tr *models.TriggerRule) error
	getByIDFn func(ctx context.Context, id uuid.UUID) (*models.TriggerRule, error)
	listFn    func(ctx context.Context) ([]*models.TriggerRule, error)
	updateFn  func(ctx context.Context, tr *models.TriggerRule) error
	deleteFn  func(ctx context.Context, id uuid.UUID) error
}

func (m *mockTriggerRuleStore) Create(ctx context.Context, tr *models.TriggerRule) error {
	if m.createFn != nil {
		return m.createFn(ctx, tr)
	}
	tr.ID = uuid.New()
	return nil
}

func (m *mockTriggerRuleStore) GetByID(ctx context.Context, id uuid.UUID) (*models.TriggerRule, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, errors.NotFound("trigger rule")
}

func (m *mockTriggerRuleStore) List(ctx context.Context) ([]*models.TriggerRule, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockTriggerRuleStore) Update(ctx context.Context, tr *models.TriggerRule) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, tr)
	}
	return nil
}

func (m *mockTriggerRuleStore) Delete(ctx context.Context, id uuid.UUID) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

type mockEventMatcher struct {
	matchFn func(ctx context.Context, event *models.Event) (*trigger.Match, error)
}

func (m *mockEventMatcher) Match(ctx context.Context, event *models.Event) (*trigger.Match, error) {
	if m.matchFn != nil {
		return m.matchFn(ctx, event)
	}
	return nil, nil
}

type mockExecutionCreator struct {
	createFn func(ctx context.Context, e *models.Execution) error
}

func (m *mockExecutionCreator) Create(ctx context.Context, e *models.Execution) error {
	if m.createFn != nil {
		return m.createFn(ctx, e)
	}
	e.ID = uuid.New()
	return nil
}

func newTriggersHandler(rules TriggerRuleStore, matcher EventMatcher, executions ExecutionCreator, runbooks RunbookGetter) *TriggersHandler {
	if rules == nil {
		rules = &mockTriggerRuleStore{}
	}
	if matcher == nil {
		matcher = &mockEventMatcher{}
	}
	if executions == nil {
		executions = &mockExecutionCreator{}
	}
	if runbooks == nil {
		runbooks = &mockRunbookGetter{}
	}
	return NewTriggersHandler(rules, matcher, executions, runbooks, logger.Nop())
}

func postJSON(handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

// ============================================================================
// Rule CRUD
// ============================================================================

func TestCreateTriggerRule(t *testing.T) {
	var created *models.TriggerRule
	rules := &mockTriggerRuleStore{
		createFn: func(_ context.Context, tr *models.TriggerRule) error {
			tr.ID = uuid.New()
			created = tr
			return nil
		},
	}
	h := newTriggersHandler(rules, nil, nil, nil)

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(map[string]any{
		"name":       "high-cpu",
		"priority":   10,
		"runbook_id": uuid.New(),
		"mode":       "auto",
		"patterns": []map[string]string{
			{"field": "name", "pattern": "HighCPU*"},
			{"field": "severity", "pattern": "critical"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if created == nil {
		t.Fatal("rule not created")
	}
	if !created.IsEnabled {
		t.Error("new rules should be enabled")
	}
	patterns, err := created.ParsePatterns()
	if err != nil {
		t.Fatalf("ParsePatterns: %v", err)
	}
	if len(patterns) != 2 {
		t.Errorf("got %d patterns, want 2", len(patterns))
	}
}

func TestUpdateTriggerRulePartial(t *testing.T) {
	ruleID := uuid.New()
	rules := &mockTriggerRuleStore{
		getByIDFn: func(_ context.Context, id uuid.UUID) (*models.TriggerRule, error) {
			return &models.TriggerRule{ID: id, Name: "high-cpu", Priority: 10, Mode: models.ModeAuto, IsEnabled: true}, nil
		},
	}
	var updated *models.TriggerRule
	rules.updateFn = func(_ context.Context, tr *models.TriggerRule) error {
		updated = tr
		return nil
	}
	h := newTriggersHandler(rules, nil, nil, nil)

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(map[string]any{"is_enabled": false, "priority": 50})
	req := httptest.NewRequest(http.MethodPut, "/"+ruleID.String(), &buf)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if updated.IsEnabled {
		t.Error("is_enabled not applied")
	}
	if updated.Priority != 50 {
		t.Errorf("Priority = %d, want 50", updated.Priority)
	}
	if updated.Name != "high-cpu" {
		t.Errorf("untouched field changed: Name = %q", updated.Name)
	}
}

func TestUpdateTriggerRuleRejectsBadCron(t *testing.T) {
	h := newTriggersHandler(nil, nil, nil, nil)

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(map[string]any{"schedule": "not a cron"})
	req := httptest.NewRequest(http.MethodPut, "/"+uuid.New().String(), &buf)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteTriggerRule(t *testing.T) {
	var deleted uuid.UUID
	rules := &mockTriggerRuleStore{
		deleteFn: func(_ context.Context, id uuid.UUID) error { deleted = id; return nil },
	}
	h := newTriggersHandler(rules, nil, nil, nil)

	ruleID := uuid.New()
	req := httptest.NewRequest(http.MethodDelete, "/"+ruleID.String(), nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if deleted != ruleID {
		t.Errorf("deleted %s, want %s", deleted, ruleID)
	}
}

// ============================================================================
// Event intake
// ============================================================================

func TestIngestUnmatchedEvent(t *testing.T) {
	h := newTriggersHandler(nil, nil, nil, nil)

	rec := postJSON(h.Ingest, "/events", map[string]any{"name": "DiskFull", "severity": "warning"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["matched"] != false {
		t.Errorf("matched = %v, want false", body["matched"])
	}
}

func TestIngestMatchedEventEnqueues(t *testing.T) {
	rbID := uuid.New()
	rule := &models.TriggerRule{ID: uuid.New(), Name: "high-cpu", RunbookID: rbID, Mode: models.ModeAuto}
	matcher := &mockEventMatcher{
		matchFn: func(_ context.Context, _ *models.Event) (*trigger.Match, error) {
			return &trigger.Match{Rule: rule, Mode: models.ModeAuto}, nil
		},
	}
	runbooks := &mockRunbookGetter{
		getByIDFn: func(_ context.Context, id uuid.UUID) (*models.Runbook, error) {
			rb := enabledRunbook(id)
			rb.Version = 7
			return rb, nil
		},
	}
	var created *models.Execution
	executions := &mockExecutionCreator{
		createFn: func(_ context.Context, e *models.Execution) error {
			e.ID = uuid.New()
			created = e
			return nil
		},
	}
	h := newTriggersHandler(nil, matcher, executions, runbooks)

	rec := postJSON(h.Ingest, "/events", map[string]any{
		"name":        "HighCPU",
		"severity":    "critical",
		"fingerprint": "fp-abc123",
		"labels":      map[string]string{"host": "web-1"},
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if created == nil {
		t.Fatal("execution not created")
	}
	if created.RunbookID != rbID || created.RunbookVersion != 7 {
		t.Errorf("runbook = %s v%d, want %s v7", created.RunbookID, created.RunbookVersion, rbID)
	}
	if created.TriggerSource != models.TriggerSourceAlert {
		t.Errorf("TriggerSource = %q, want alert", created.TriggerSource)
	}
	if created.TriggerRef == nil || *created.TriggerRef != rule.ID.String() {
		t.Error("TriggerRef should record the matched rule")
	}
	if created.Fingerprint == nil || *created.Fingerprint != "fp-abc123" {
		t.Error("fingerprint not carried onto the execution")
	}
	if created.Mode != models.ModeAuto {
		t.Errorf("Mode = %q, want auto", created.Mode)
	}
}

func TestIngestDeduplicatedEvent(t *testing.T) {
	existing := &models.Execution{ID: uuid.New(), Status: models.ExecStatusRunning}
	rule := &models.TriggerRule{ID: uuid.New(), Name: "high-cpu"}
	matcher := &mockEventMatcher{
		matchFn: func(_ context.Context, _ *models.Event) (*trigger.Match, error) {
			return &trigger.Match{Rule: rule, Mode: models.ModeAuto, Existing: existing}, nil
		},
	}
	executions := &mockExecutionCreator{
		createFn: func(_ context.Context, _ *models.Execution) error {
			t.Fatal("deduplicated event must not create an execution")
			return nil
		},
	}
	h := newTriggersHandler(nil, matcher, executions, nil)

	rec := postJSON(h.Ingest, "/events", map[string]any{"name": "HighCPU", "fingerprint": "fp-abc123"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["deduplicated"] != true {
		t.Errorf("deduplicated = %v, want true", body["deduplicated"])
	}
	if body["execution_id"] != existing.ID.String() {
		t.Errorf("execution_id = %v, want %s", body["execution_id"], existing.ID)
	}
}

func TestIngestSkipsDisabledRunbook(t *testing.T) {
	rule := &models.TriggerRule{ID: uuid.New(), Name: "high-cpu", RunbookID: uuid.New()}
	matcher := &mockEventMatcher{
		matchFn: func(_ context.Context, _ *models.Event) (*trigger.Match, error) {
			return &trigger.Match{Rule: rule, Mode: models.ModeAuto}, nil
		},
	}
	runbooks := &mockRunbookGetter{
		getByIDFn: func(_ context.Context, id uuid.UUID) (*models.Runbook, error) {
			rb := enabledRunbook(id)
			rb.IsEnabled = false
			return rb, nil
		},
	}
	executions := &mockExecutionCreator{
		createFn: func(_ context.Context, _ *models.Execution) error {
			t.Fatal("disabled runbook must not get an execution")
			return nil
		},
	}
	h := newTriggersHandler(nil, matcher, executions, runbooks)

	rec := postJSON(h.Ingest, "/events", map[string]any{"name": "HighCPU"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["skipped"] != "runbook disabled" {
		t.Errorf("skipped = %v", body["skipped"])
	}
}

func TestIngestRejectsNamelessEvent(t *testing.T) {
	h := newTriggersHandler(nil, nil, nil, nil)

	rec := postJSON(h.Ingest, "/events", map[string]any{"severity": "critical"})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}
