// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

// ============================================================================
// Test doubles
// ============================================================================

type mockRuleStore struct {
	rules []*models.TriggerRule
}

func (m *mockRuleStore) ListEnabled(_ context.Context) ([]*models.TriggerRule, error) {
	return m.rules, nil
}

type mockExecFinder struct {
	findFn func(ctx context.Context, fingerprint string, since time.Time) (*models.Execution, error)
	calls  int
}

func (m *mockExecFinder) FindByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*models.Execution, error) {
	m.calls++
	if m.findFn != nil {
		return m.findFn(ctx, fingerprint, since)
	}
	return nil, nil
}

func mkRule(t *testing.T, name string, priority int, mode models.ExecutionMode, patterns ...models.FieldPattern) *models.TriggerRule {
	t.Helper()
	r := &models.TriggerRule{
		ID:        uuid.New(),
		Name:      name,
		Priority:  priority,
		RunbookID: uuid.New(),
		Mode:      mode,
		IsEnabled: true,
	}
	if err := r.SetPatterns(patterns); err != nil {
		t.Fatalf("SetPatterns: %v", err)
	}
	return r
}

func exact(field, pattern string) models.FieldPattern {
	return models.FieldPattern{Field: field, Kind: models.PatternExact, Pattern: pattern}
}

// ============================================================================
// Matching
// ============================================================================

func TestMatchFirstByPriority(t *testing.T) {
	// Store returns rules pre-sorted by priority, as the repository does.
	high := mkRule(t, "high", 100, models.ModeAuto, exact("name", "DiskFull"))
	low := mkRule(t, "low", 10, models.ModeSemiAuto, exact("name", "DiskFull"))
	m := NewMatcher(&mockRuleStore{rules: []*models.TriggerRule{high, low}}, &mockExecFinder{}, 0, logger.Nop())

	match, err := m.Match(context.Background(), &models.Event{Name: "DiskFull"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match == nil || match.Rule.Name != "high" {
		t.Fatalf("expected first-match on high-priority rule, got %+v", match)
	}
	if match.Mode != models.ModeAuto {
		t.Errorf("mode = %s, want auto", match.Mode)
	}
}

func TestMatchAllPatternsMustMatch(t *testing.T) {
	rule := mkRule(t, "strict", 0, models.ModeAuto,
		exact("name", "DiskFull"),
		exact("labels.env", "prod"),
	)
	m := NewMatcher(&mockRuleStore{rules: []*models.TriggerRule{rule}}, &mockExecFinder{}, 0, logger.Nop())

	match, err := m.Match(context.Background(),
		&models.Event{Name: "DiskFull", Labels: map[string]string{"env": "staging"}})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match != nil {
		t.Fatal("partial pattern match must not fire")
	}

	match, _ = m.Match(context.Background(),
		&models.Event{Name: "DiskFull", Labels: map[string]string{"env": "prod"}})
	if match == nil {
		t.Fatal("full pattern match should fire")
	}
}

func TestMatchWildcardAndRegex(t *testing.T) {
	rule := mkRule(t, "patterns", 0, models.ModeAuto,
		models.FieldPattern{Field: "name", Kind: models.PatternWildcard, Pattern: "Disk*"},
		models.FieldPattern{Field: "severity", Kind: models.PatternRegex, Pattern: "^(critical|warning)$"},
	)
	m := NewMatcher(&mockRuleStore{rules: []*models.TriggerRule{rule}}, &mockExecFinder{}, 0, logger.Nop())

	match, err := m.Match(context.Background(), &models.Event{Name: "DiskFull", Severity: "critical"})
	if err != nil || match == nil {
		t.Fatalf("wildcard+regex should match: %+v %v", match, err)
	}

	match, _ = m.Match(context.Background(), &models.Event{Name: "DiskFull", Severity: "info"})
	if match != nil {
		t.Fatal("regex mismatch should not fire")
	}
}

func TestMatchNoRuleIsNotAnError(t *testing.T) {
	m := NewMatcher(&mockRuleStore{}, &mockExecFinder{}, 0, logger.Nop())
	match, err := m.Match(context.Background(), &models.Event{Name: "Unknown"})
	if err != nil {
		t.Fatalf("no-match must not be an error: %v", err)
	}
	if match != nil {
		t.Fatalf("expected nil match, got %+v", match)
	}
}

func TestMatchSkipsMalformedRule(t *testing.T) {
	bad := mkRule(t, "bad", 100, models.ModeAuto,
		models.FieldPattern{Field: "name", Kind: models.PatternRegex, Pattern: "(["})
	good := mkRule(t, "good", 10, models.ModeAuto, exact("name", "DiskFull"))
	m := NewMatcher(&mockRuleStore{rules: []*models.TriggerRule{bad, good}}, &mockExecFinder{}, 0, logger.Nop())

	match, err := m.Match(context.Background(), &models.Event{Name: "DiskFull"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match == nil || match.Rule.Name != "good" {
		t.Fatalf("malformed rule must not shadow later rules, got %+v", match)
	}
}

func TestMatchSkipsScheduledRules(t *testing.T) {
	sched := "0 3 * * *"
	rule := mkRule(t, "nightly", 100, models.ModeAuto, exact("name", "DiskFull"))
	rule.Schedule = &sched
	m := NewMatcher(&mockRuleStore{rules: []*models.TriggerRule{rule}}, &mockExecFinder{}, 0, logger.Nop())

	match, err := m.Match(context.Background(), &models.Event{Name: "DiskFull"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match != nil {
		t.Fatal("scheduled rules must not match events")
	}
}

// ============================================================================
// Deduplication
// ============================================================================

func TestMatchDedupReturnsExisting(t *testing.T) {
	existing := &models.Execution{ID: uuid.New()}
	finder := &mockExecFinder{
		findFn: func(_ context.Context, fp string, since time.Time) (*models.Execution, error) {
			if fp != "fp-1" {
				t.Errorf("fingerprint = %q, want fp-1", fp)
			}
			return existing, nil
		},
	}
	rule := mkRule(t, "dedup", 0, models.ModeAuto, exact("name", "DiskFull"))
	rule.DedupWindowSeconds = 300
	m := NewMatcher(&mockRuleStore{rules: []*models.TriggerRule{rule}}, finder, 0, logger.Nop())

	match, err := m.Match(context.Background(), &models.Event{Name: "DiskFull", Fingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match == nil || match.Existing != existing {
		t.Fatalf("expected dedup onto existing execution, got %+v", match)
	}
}

func TestMatchDedupWindowCutoff(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var gotSince time.Time
	finder := &mockExecFinder{
		findFn: func(_ context.Context, _ string, since time.Time) (*models.Execution, error) {
			gotSince = since
			return nil, nil
		},
	}
	rule := mkRule(t, "dedup", 0, models.ModeAuto, exact("name", "DiskFull"))
	rule.DedupWindowSeconds = 600
	m := NewMatcher(&mockRuleStore{rules: []*models.TriggerRule{rule}}, finder, 0, logger.Nop())
	m.SetClock(func() time.Time { return now })

	if _, err := m.Match(context.Background(), &models.Event{Name: "DiskFull", Fingerprint: "fp-1"}); err != nil {
		t.Fatalf("Match: %v", err)
	}
	want := now.Add(-10 * time.Minute)
	if !gotSince.Equal(want) {
		t.Errorf("dedup cutoff = %v, want %v", gotSince, want)
	}
}

func TestMatchNoFingerprintSkipsDedup(t *testing.T) {
	finder := &mockExecFinder{}
	rule := mkRule(t, "dedup", 0, models.ModeAuto, exact("name", "DiskFull"))
	rule.DedupWindowSeconds = 300
	m := NewMatcher(&mockRuleStore{rules: []*models.TriggerRule{rule}}, finder, 0, logger.Nop())

	match, err := m.Match(context.Background(), &models.Event{Name: "DiskFull"})
	if err != nil || match == nil {
		t.Fatalf("Match: %+v %v", match, err)
	}
	if finder.calls != 0 {
		t.Errorf("dedup lookup made %d calls without a fingerprint", finder.calls)
	}
}
