// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package trigger

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/gobwas/glob"

	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

// RuleStore lists trigger rules in match order.
type RuleStore interface {
	ListEnabled(ctx context.Context) ([]*models.TriggerRule, error)
}

// ExecutionFinder locates recent executions for fingerprint deduplication.
type ExecutionFinder interface {
	FindByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*models.Execution, error)
}

// Match is the outcome of matching one event. When Existing is set the
// event deduplicated onto an execution already created for its fingerprint
// and no new execution should be spawned.
type Match struct {
	Rule     *models.TriggerRule
	Mode     models.ExecutionMode
	Existing *models.Execution
}

// Matcher resolves events to at most one (runbook, mode) pair. Rules are
// evaluated in descending priority; the first rule whose every pattern
// matches wins. No match is not an error.
type Matcher struct {
	rules       RuleStore
	executions  ExecutionFinder
	dedupWindow time.Duration // default when a rule sets none
	now         func() time.Time
	log         *logger.Logger
}

// NewMatcher creates a trigger matcher. defaultDedup applies to rules
// without their own dedup window; zero disables dedup for those rules.
func NewMatcher(rules RuleStore, executions ExecutionFinder, defaultDedup time.Duration, log *logger.Logger) *Matcher {
	return &Matcher{
		rules:       rules,
		executions:  executions,
		dedupWindow: defaultDedup,
		now:         time.Now,
		log:         log.Named("trigger"),
	}
}

// SetClock overrides the time source. Tests only.
func (m *Matcher) SetClock(now func() time.Time) { m.now = now }

// Match finds the first matching rule for an event, or nil when no rule
// matches. Events sharing a fingerprint within the dedup window resolve to
// the existing execution.
func (m *Matcher) Match(ctx context.Context, event *models.Event) (*Match, error) {
	rules, err := m.rules.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list trigger rules: %w", err)
	}

	for _, rule := range rules {
		if rule.Schedule != nil {
			continue // scheduled rules fire on a timer, not on events
		}
		ok, err := m.ruleMatches(rule, event)
		if err != nil {
			// A malformed rule must not shadow lower-priority rules.
			m.log.Warn("skipping malformed trigger rule", "rule", rule.Name, "error", err)
			continue
		}
		if !ok {
			continue
		}

		match := &Match{Rule: rule, Mode: rule.Mode}
		if match.Mode == "" {
			match.Mode = models.ModeManual
		}

		if event.Fingerprint != "" {
			window := rule.DedupWindow(m.dedupWindow)
			if window > 0 {
				existing, err := m.executions.FindByFingerprint(ctx, event.Fingerprint, m.now().Add(-window))
				if err != nil {
					return nil, fmt.Errorf("fingerprint dedup: %w", err)
				}
				match.Existing = existing
			}
		}

		m.log.Debug("event matched trigger rule",
			"event", event.Name, "rule", rule.Name, "deduplicated", match.Existing != nil)
		return match, nil
	}
	return nil, nil
}

// ruleMatches reports whether every pattern on the rule matches the event.
// A rule with no patterns never matches.
func (m *Matcher) ruleMatches(rule *models.TriggerRule, event *models.Event) (bool, error) {
	patterns, err := rule.ParsePatterns()
	if err != nil {
		return false, fmt.Errorf("parse patterns: %w", err)
	}
	if len(patterns) == 0 {
		return false, nil
	}

	for _, p := range patterns {
		value, ok := event.Field(p.Field)
		if !ok {
			return false, nil
		}
		matched, err := matchPattern(p, value)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func matchPattern(p models.FieldPattern, value string) (bool, error) {
	switch p.Kind {
	case models.PatternExact, "":
		return value == p.Pattern, nil
	case models.PatternWildcard:
		g, err := glob.Compile(p.Pattern)
		if err != nil {
			return false, fmt.Errorf("glob %q: %w", p.Pattern, err)
		}
		return g.Match(value), nil
	case models.PatternRegex:
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return false, fmt.Errorf("regex %q: %w", p.Pattern, err)
		}
		return re.MatchString(value), nil
	default:
		return false, fmt.Errorf("unknown pattern kind %q", p.Kind)
	}
}
