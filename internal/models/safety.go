// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BreakerState is the circuit breaker position for one scope.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ScopeKey identifies the safety scope a breaker and rate window apply to:
// one runbook against one target.
func ScopeKey(runbookID uuid.UUID, target string) string {
	return fmt.Sprintf("%s|%s", runbookID, target)
}

// CircuitBreaker tracks consecutive failures per scope. Version supports
// optimistic concurrency: updates carry the version they read and fail if
// another writer got there first.
type CircuitBreaker struct {
	Scope               string       `json:"scope" db:"scope"`
	State               BreakerState `json:"state" db:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures" db:"consecutive_failures"`
	ProbeInFlight       bool         `json:"probe_in_flight" db:"probe_in_flight"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty" db:"opened_at"`
	CooldownUntil       *time.Time   `json:"cooldown_until,omitempty" db:"cooldown_until"`
	Version             int64        `json:"version" db:"version"`
	UpdatedAt           time.Time    `json:"updated_at" db:"updated_at"`
}

// CooldownElapsed reports whether an open breaker may admit a probe at now.
func (b *CircuitBreaker) CooldownElapsed(now time.Time) bool {
	return b.CooldownUntil == nil || !now.Before(*b.CooldownUntil)
}

// RateWindow is the durable sliding rate-limit state for one scope: the
// timestamps of recent admits, pruned to the trailing window on every
// check, plus the cooldown set when the limit was last hit.
type RateWindow struct {
	Scope         string      `json:"scope" db:"scope"`
	Attempts      []time.Time `json:"attempts" db:"attempts"`
	CooldownUntil *time.Time  `json:"cooldown_until,omitempty" db:"cooldown_until"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// CountSince returns how many attempts fall inside the trailing window
// ending at now.
func (w *RateWindow) CountSince(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, at := range w.Attempts {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}

// InCooldown reports whether a limit-hit cooldown is still active at now.
func (w *RateWindow) InCooldown(now time.Time) bool {
	return w.CooldownUntil != nil && now.Before(*w.CooldownUntil)
}

// Blackout recurrence kinds. Empty recurrence means a one-off window.
const (
	RecurDaily   = "daily"
	RecurWeekly  = "weekly"
	RecurMonthly = "monthly"
)

// BlackoutWindow suppresses execution admission while active. One-off
// windows use StartsAt/EndsAt directly; recurring windows repeat the
// StartsAt..EndsAt span per Recurrence.
type BlackoutWindow struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	StartsAt   time.Time  `json:"starts_at" db:"starts_at"`
	EndsAt     time.Time  `json:"ends_at" db:"ends_at"`
	Recurrence string     `json:"recurrence,omitempty" db:"recurrence"`
	Scope      *string    `json:"scope,omitempty" db:"scope"` // nil = global
	IsEnabled  bool       `json:"is_enabled" db:"is_enabled"`
	CreatedBy  *uuid.UUID `json:"created_by,omitempty" db:"created_by"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// ActiveAt reports whether the window covers the instant now.
func (w *BlackoutWindow) ActiveAt(now time.Time) bool {
	if !w.IsEnabled {
		return false
	}
	switch w.Recurrence {
	case "":
		return !now.Before(w.StartsAt) && now.Before(w.EndsAt)
	case RecurDaily:
		return inDailySpan(now, w.StartsAt, w.EndsAt)
	case RecurWeekly:
		return inRecurringSpan(now, w.StartsAt, w.EndsAt, now.Weekday() == w.StartsAt.Weekday(),
			now.AddDate(0, 0, -1).Weekday() == w.StartsAt.Weekday())
	case RecurMonthly:
		return inRecurringSpan(now, w.StartsAt, w.EndsAt, now.Day() == w.StartsAt.Day(),
			now.AddDate(0, 0, -1).Day() == w.StartsAt.Day())
	default:
		return false
	}
}

// inRecurringSpan evaluates a weekly or monthly span. onStartDay/onSpillDay
// say whether now falls on the span's start day or the day after it, which
// matters for spans crossing midnight.
func inRecurringSpan(now, start, end time.Time, onStartDay, onSpillDay bool) bool {
	nm := now.Hour()*60 + now.Minute()
	sm := start.Hour()*60 + start.Minute()
	em := end.Hour()*60 + end.Minute()
	if sm < em {
		return onStartDay && nm >= sm && nm < em
	}
	if sm == em {
		return false
	}
	// Crosses midnight: active from sm on the start day until em the next day.
	if onStartDay && nm >= sm {
		return true
	}
	return onSpillDay && nm < em
}

// inDailySpan checks the time-of-day of now against the time-of-day span
// of start..end, handling spans that cross midnight.
func inDailySpan(now, start, end time.Time) bool {
	nm := now.Hour()*60 + now.Minute()
	sm := start.Hour()*60 + start.Minute()
	em := end.Hour()*60 + end.Minute()
	if sm == em {
		return false
	}
	if sm < em {
		return nm >= sm && nm < em
	}
	// Crosses midnight.
	return nm >= sm || nm < em
}

// CreateBlackoutInput represents input for creating a blackout window.
type CreateBlackoutInput struct {
	Name       string     `json:"name" validate:"required"`
	StartsAt   time.Time  `json:"starts_at" validate:"required"`
	EndsAt     time.Time  `json:"ends_at" validate:"required"`
	Recurrence string     `json:"recurrence,omitempty"`
	Scope      *string    `json:"scope,omitempty"`
	CreatedBy  *uuid.UUID `json:"created_by,omitempty"`
}

// SafetyStatus is the inspection snapshot the API exposes for one scope.
type SafetyStatus struct {
	Scope           string          `json:"scope"`
	Breaker         *CircuitBreaker `json:"breaker,omitempty"`
	RateWindow      *RateWindow     `json:"rate_window,omitempty"`
	RateLimit       int             `json:"rate_limit"`
	ActiveBlackouts []string        `json:"active_blackouts,omitempty"`
}
