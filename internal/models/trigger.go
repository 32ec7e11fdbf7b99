// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a normalized alert delivered by an external source. The matcher
// consumes it; storage stays with the source.
type Event struct {
	Name        string            `json:"name"`
	Labels      map[string]string `json:"labels,omitempty"`
	Severity    string            `json:"severity,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	ReceivedAt  time.Time         `json:"received_at,omitempty"`
}

// Field returns the value of a matchable event field. Label fields use the
// "labels." prefix, annotations "annotations.".
func (e *Event) Field(name string) (string, bool) {
	switch name {
	case "name":
		return e.Name, true
	case "severity":
		return e.Severity, true
	case "fingerprint":
		return e.Fingerprint, true
	}
	if key, ok := strings.CutPrefix(name, "labels."); ok {
		v, ok := e.Labels[key]
		return v, ok
	}
	if key, ok := strings.CutPrefix(name, "annotations."); ok {
		v, ok := e.Annotations[key]
		return v, ok
	}
	return "", false
}

// Pattern kinds for trigger rule field matching.
const (
	PatternExact    = "exact"
	PatternWildcard = "wildcard"
	PatternRegex    = "regex"
)

// FieldPattern matches a single event field. All patterns on a rule must
// match for the rule to fire.
type FieldPattern struct {
	Field   string `json:"field"`
	Kind    string `json:"kind"`
	Pattern string `json:"pattern"`
}

// TriggerRule maps matching events to a runbook and execution mode.
// Schedule, when set, is a cron expression that fires the rule on a timer
// instead of (or in addition to) incoming events.
type TriggerRule struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	Name               string          `json:"name" db:"name"`
	Priority           int             `json:"priority" db:"priority"`
	Patterns           json.RawMessage `json:"patterns" db:"patterns"` // []FieldPattern
	RunbookID          uuid.UUID       `json:"runbook_id" db:"runbook_id"`
	Mode               ExecutionMode   `json:"mode" db:"mode"`
	Schedule           *string         `json:"schedule,omitempty" db:"schedule"`
	DedupWindowSeconds int             `json:"dedup_window_seconds" db:"dedup_window_seconds"`
	IsEnabled          bool            `json:"is_enabled" db:"is_enabled"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// ParsePatterns decodes the rule's field patterns.
func (r *TriggerRule) ParsePatterns() ([]FieldPattern, error) {
	if r.Patterns == nil {
		return nil, nil
	}
	var ps []FieldPattern
	if err := json.Unmarshal(r.Patterns, &ps); err != nil {
		return nil, err
	}
	return ps, nil
}

// SetPatterns encodes and stores the rule's field patterns.
func (r *TriggerRule) SetPatterns(ps []FieldPattern) error {
	data, err := json.Marshal(ps)
	if err != nil {
		return err
	}
	r.Patterns = data
	return nil
}

// DedupWindow returns the rule's dedup window, or def when unset.
func (r *TriggerRule) DedupWindow(def time.Duration) time.Duration {
	if r.DedupWindowSeconds <= 0 {
		return def
	}
	return time.Duration(r.DedupWindowSeconds) * time.Second
}

// CreateTriggerRuleInput represents input for creating a trigger rule.
type CreateTriggerRuleInput struct {
	Name               string         `json:"name" validate:"required"`
	Priority           int            `json:"priority"`
	Patterns           []FieldPattern `json:"patterns"`
	RunbookID          uuid.UUID      `json:"runbook_id" validate:"required"`
	Mode               ExecutionMode  `json:"mode,omitempty"`
	Schedule           *string        `json:"schedule,omitempty"`
	DedupWindowSeconds int            `json:"dedup_window_seconds,omitempty"`
}
