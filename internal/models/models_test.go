// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Execution lifecycle
// ============================================================================

func TestExecutionTransitions(t *testing.T) {
	tests := []struct {
		from ExecutionStatus
		to   ExecutionStatus
		ok   bool
	}{
		{ExecStatusQueued, ExecStatusRunning, true},
		{ExecStatusQueued, ExecStatusAwaitingApproval, true},
		{ExecStatusQueued, ExecStatusBlocked, true},
		{ExecStatusQueued, ExecStatusCompleted, false},
		{ExecStatusAwaitingApproval, ExecStatusQueued, true},
		{ExecStatusAwaitingApproval, ExecStatusCancelled, true},
		{ExecStatusAwaitingApproval, ExecStatusFailed, false},
		{ExecStatusRunning, ExecStatusCompleted, true},
		{ExecStatusRunning, ExecStatusFailed, true},
		{ExecStatusRunning, ExecStatusCancelled, true},
		{ExecStatusRunning, ExecStatusQueued, false},
		{ExecStatusCompleted, ExecStatusRunning, false},
		{ExecStatusFailed, ExecStatusQueued, false},
		{ExecStatusCancelled, ExecStatusRunning, false},
	}
	for _, tt := range tests {
		e := &Execution{Status: tt.from}
		if got := e.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestExecutionIsTerminal(t *testing.T) {
	terminal := []ExecutionStatus{ExecStatusCompleted, ExecStatusFailed, ExecStatusBlocked, ExecStatusCancelled}
	for _, s := range terminal {
		if !(&Execution{Status: s}).IsTerminal() {
			t.Errorf("status %s should be terminal", s)
		}
	}
	for _, s := range []ExecutionStatus{ExecStatusQueued, ExecStatusAwaitingApproval, ExecStatusRunning} {
		if (&Execution{Status: s}).IsTerminal() {
			t.Errorf("status %s should not be terminal", s)
		}
	}
}

func TestExecutionContextRoundTrip(t *testing.T) {
	e := &Execution{}

	m, err := e.GetContext()
	if err != nil {
		t.Fatalf("GetContext on empty: %v", err)
	}
	if len(m) != 0 {
		t.Errorf("expected empty context, got %v", m)
	}

	if err := e.SetContext(map[string]string{"host": "db-3", "pid": "412"}); err != nil {
		t.Fatalf("SetContext: %v", err)
	}
	m, err = e.GetContext()
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if m["host"] != "db-3" || m["pid"] != "412" {
		t.Errorf("unexpected context: %v", m)
	}
}

// ============================================================================
// Steps
// ============================================================================

func TestStepBackoff(t *testing.T) {
	s := Step{Retry: RetryPolicy{MaxAttempts: 4, BackoffSeconds: 2, BackoffFactor: 2}}

	if got := s.Backoff(1); got != 2*time.Second {
		t.Errorf("Backoff(1) = %v", got)
	}
	if got := s.Backoff(2); got != 4*time.Second {
		t.Errorf("Backoff(2) = %v", got)
	}
	if got := s.Backoff(3); got != 8*time.Second {
		t.Errorf("Backoff(3) = %v", got)
	}

	none := Step{}
	if got := none.MaxAttempts(); got != 1 {
		t.Errorf("MaxAttempts with no policy = %d, want 1", got)
	}
}

func TestRunbookStepsRoundTrip(t *testing.T) {
	rb := &Runbook{}
	steps := []Step{
		{Order: 0, Name: "stop", Kind: StepKindCommand, Target: "web-1", Command: "systemctl stop app"},
		{Order: 1, Name: "verify", Kind: StepKindAPI, Target: "https://web-1/health", Method: "GET"},
	}
	if err := rb.SetSteps(steps); err != nil {
		t.Fatalf("SetSteps: %v", err)
	}
	got, err := rb.ParseSteps()
	if err != nil {
		t.Fatalf("ParseSteps: %v", err)
	}
	if len(got) != 2 || got[0].Name != "stop" || got[1].Kind != StepKindAPI {
		t.Errorf("unexpected steps: %+v", got)
	}
}

// ============================================================================
// Blackout windows
// ============================================================================

func TestBlackoutOneOff(t *testing.T) {
	w := &BlackoutWindow{
		IsEnabled: true,
		StartsAt:  time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC),
		EndsAt:    time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC),
	}
	if !w.ActiveAt(time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)) {
		t.Error("inside one-off window should be active")
	}
	if w.ActiveAt(time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)) {
		t.Error("end instant is exclusive")
	}
	if w.ActiveAt(time.Date(2026, 3, 5, 1, 0, 0, 0, time.UTC)) {
		t.Error("past window should be inactive")
	}
	w.IsEnabled = false
	if w.ActiveAt(time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)) {
		t.Error("disabled window should be inactive")
	}
}

func TestBlackoutDaily(t *testing.T) {
	w := &BlackoutWindow{
		IsEnabled:  true,
		Recurrence: RecurDaily,
		StartsAt:   time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC),
		EndsAt:     time.Date(2026, 1, 1, 4, 0, 0, 0, time.UTC),
	}
	if !w.ActiveAt(time.Date(2026, 6, 10, 3, 0, 0, 0, time.UTC)) {
		t.Error("03:00 inside daily 02:00-04:00 should be active")
	}
	if w.ActiveAt(time.Date(2026, 6, 10, 5, 0, 0, 0, time.UTC)) {
		t.Error("05:00 outside daily 02:00-04:00 should be inactive")
	}
}

func TestBlackoutDailyCrossesMidnight(t *testing.T) {
	w := &BlackoutWindow{
		IsEnabled:  true,
		Recurrence: RecurDaily,
		StartsAt:   time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC),
		EndsAt:     time.Date(2026, 1, 2, 1, 0, 0, 0, time.UTC),
	}
	if !w.ActiveAt(time.Date(2026, 6, 10, 23, 30, 0, 0, time.UTC)) {
		t.Error("23:30 should be active")
	}
	if !w.ActiveAt(time.Date(2026, 6, 10, 0, 30, 0, 0, time.UTC)) {
		t.Error("00:30 should be active")
	}
	if w.ActiveAt(time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)) {
		t.Error("12:00 should be inactive")
	}
}

func TestBlackoutWeekly(t *testing.T) {
	// Saturday 22:00 - Sunday 02:00.
	w := &BlackoutWindow{
		IsEnabled:  true,
		Recurrence: RecurWeekly,
		StartsAt:   time.Date(2026, 1, 3, 22, 0, 0, 0, time.UTC), // Saturday
		EndsAt:     time.Date(2026, 1, 4, 2, 0, 0, 0, time.UTC),
	}
	sat := time.Date(2026, 6, 13, 23, 0, 0, 0, time.UTC) // Saturday 23:00
	sun := time.Date(2026, 6, 14, 1, 0, 0, 0, time.UTC)  // Sunday 01:00
	tue := time.Date(2026, 6, 16, 23, 0, 0, 0, time.UTC) // Tuesday 23:00
	sunLate := time.Date(2026, 6, 14, 3, 0, 0, 0, time.UTC)

	if !w.ActiveAt(sat) {
		t.Error("Saturday 23:00 should be active")
	}
	if !w.ActiveAt(sun) {
		t.Error("Sunday 01:00 spillover should be active")
	}
	if w.ActiveAt(tue) {
		t.Error("Tuesday should be inactive")
	}
	if w.ActiveAt(sunLate) {
		t.Error("Sunday 03:00 past spillover end should be inactive")
	}
}

func TestBlackoutMonthly(t *testing.T) {
	// 1st of each month, 00:00-06:00.
	w := &BlackoutWindow{
		IsEnabled:  true,
		Recurrence: RecurMonthly,
		StartsAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndsAt:     time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC),
	}
	if !w.ActiveAt(time.Date(2026, 7, 1, 3, 0, 0, 0, time.UTC)) {
		t.Error("1st at 03:00 should be active")
	}
	if w.ActiveAt(time.Date(2026, 7, 2, 3, 0, 0, 0, time.UTC)) {
		t.Error("2nd should be inactive")
	}
}

// ============================================================================
// Safety state
// ============================================================================

func TestScopeKey(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	got := ScopeKey(id, "db-primary")
	want := "11111111-2222-3333-4444-555555555555|db-primary"
	if got != want {
		t.Errorf("ScopeKey = %q, want %q", got, want)
	}
}

func TestBreakerCooldownElapsed(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(10 * time.Minute)

	b := &CircuitBreaker{State: BreakerOpen, CooldownUntil: &later}
	if b.CooldownElapsed(now) {
		t.Error("cooldown should not have elapsed")
	}
	if !b.CooldownElapsed(later) {
		t.Error("cooldown boundary should count as elapsed")
	}
	b.CooldownUntil = nil
	if !b.CooldownElapsed(now) {
		t.Error("nil cooldown should count as elapsed")
	}
}

// ============================================================================
// Approvals
// ============================================================================

func TestApprovalExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := &ApprovalRequest{Status: ApprovalPending, ExpiresAt: now.Add(time.Hour)}

	if a.IsExpired(now) {
		t.Error("not yet expired")
	}
	if !a.IsExpired(now.Add(time.Hour)) {
		t.Error("expiry instant should count as expired")
	}
	a.Status = ApprovalApproved
	if a.IsExpired(now.Add(2 * time.Hour)) {
		t.Error("decided request never expires")
	}
	if !a.IsDecided() {
		t.Error("approved request is decided")
	}
}

// ============================================================================
// Events
// ============================================================================

func TestEventField(t *testing.T) {
	e := &Event{
		Name:        "HighMemory",
		Severity:    "critical",
		Fingerprint: "abc123",
		Labels:      map[string]string{"host": "web-1"},
		Annotations: map[string]string{"runbook": "restart-app"},
	}
	tests := []struct {
		field string
		want  string
		ok    bool
	}{
		{"name", "HighMemory", true},
		{"severity", "critical", true},
		{"fingerprint", "abc123", true},
		{"labels.host", "web-1", true},
		{"labels.missing", "", false},
		{"annotations.runbook", "restart-app", true},
		{"bogus", "", false},
	}
	for _, tt := range tests {
		got, ok := e.Field(tt.field)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Field(%q) = (%q, %v), want (%q, %v)", tt.field, got, ok, tt.want, tt.ok)
		}
	}
}
