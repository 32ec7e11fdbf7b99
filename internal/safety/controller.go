// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
	"github.com/fr4nsys/remedia/internal/repository/postgres"
)

// Check names used in Deny decisions, in evaluation order.
const (
	CheckBlackout  = "blackout"
	CheckRateLimit = "rate_limit"
	CheckBreaker   = "circuit_breaker"
	CheckCommand   = "command_validation"
)

// casRetries bounds optimistic breaker update attempts before giving up.
const casRetries = 3

// Config holds safety thresholds.
type Config struct {
	// Circuit breaker.
	FailureThreshold int           // consecutive failures before opening
	FailureWindow    time.Duration // failures older than this don't count as consecutive
	Cooldown         time.Duration // open duration before a half-open probe

	// Rate limiter. RateCooldown, when positive, keeps denying after the
	// limit was hit even once old attempts age out of the window.
	RateMax      int
	RateWindow   time.Duration
	RateCooldown time.Duration

	// Blackout behavior for executions already running (admission-time
	// checks always apply to new executions).
	BlackoutSuspendsRunning bool

	// Command validation.
	DenyCommands  []string
	AllowCommands []string
}

// DefaultConfig returns conservative production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		FailureWindow:    30 * time.Minute,
		Cooldown:         10 * time.Minute,
		RateMax:          5,
		RateWindow:       time.Hour,
	}
}

// StateStore persists breaker and rate limiter state per scope.
type StateStore interface {
	GetBreaker(ctx context.Context, scope string) (*models.CircuitBreaker, error)
	SaveBreaker(ctx context.Context, b *models.CircuitBreaker) error
	TryAcquireSlot(ctx context.Context, scope string, max int, window, cooldown time.Duration, now time.Time) (bool, int, error)
}

// BlackoutStore lists windows applying to a scope.
type BlackoutStore interface {
	ListEnabledForScope(ctx context.Context, scope string) ([]*models.BlackoutWindow, error)
}

// AdmitRequest asks whether one execution (or one step of a running
// execution) may proceed against a scope.
type AdmitRequest struct {
	Scope   string
	Mode    models.ExecutionMode
	Command string // rendered command for Command steps, "" otherwise

	// InProgress marks per-step re-admission of an already-running
	// execution. Blackout then only applies when configured to suspend
	// running work, and no new rate-limit slot is consumed.
	InProgress bool
}

// Decision is the outcome of an admit call.
type Decision struct {
	Allowed bool
	Check   string // failing check for denials
	Reason  string
	Probe   bool // this admit is a half-open breaker probe
}

func deny(check, reason string) *Decision {
	return &Decision{Check: check, Reason: reason}
}

// Controller gates execution. Checks run in a fixed order: blackout, rate
// limit, circuit breaker, command validation. The first failing check wins.
type Controller struct {
	cfg       Config
	state     StateStore
	blackouts BlackoutStore
	validator *Validator
	now       func() time.Time
	log       *logger.Logger
}

// NewController creates a safety controller.
func NewController(cfg Config, state StateStore, blackouts BlackoutStore, log *logger.Logger) (*Controller, error) {
	v, err := NewValidator(cfg.DenyCommands, cfg.AllowCommands)
	if err != nil {
		return nil, fmt.Errorf("compile command patterns: %w", err)
	}
	return &Controller{
		cfg:       cfg,
		state:     state,
		blackouts: blackouts,
		validator: v,
		now:       time.Now,
		log:       log.Named("safety"),
	}, nil
}

// SetClock overrides the time source. Tests only.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// ValidateCommand runs only the stateless command check, returning a deny
// reason or "". Dry runs use this instead of a full admit so they consume
// no rate slot and take no breaker probe.
func (c *Controller) ValidateCommand(command string) string {
	return c.validator.Validate(command)
}

// Admit evaluates all safety checks for the request. A Deny decision is not
// an error; errors mean a check itself could not run.
func (c *Controller) Admit(ctx context.Context, req AdmitRequest) (*Decision, error) {
	now := c.now()

	if d, err := c.checkBlackout(ctx, req, now); err != nil || !d.Allowed {
		return d, err
	}
	if d, err := c.checkRateLimit(ctx, req, now); err != nil || !d.Allowed {
		return d, err
	}
	breakerDecision, err := c.checkBreaker(ctx, req.Scope, now)
	if err != nil || !breakerDecision.Allowed {
		return breakerDecision, err
	}
	if req.Command != "" {
		if reason := c.validator.Validate(req.Command); reason != "" {
			c.log.Warn("command refused", "scope", req.Scope, "reason", reason)
			return deny(CheckCommand, reason), nil
		}
	}

	return &Decision{Allowed: true, Probe: breakerDecision.Probe}, nil
}

func (c *Controller) checkBlackout(ctx context.Context, req AdmitRequest, now time.Time) (*Decision, error) {
	// Blackout never denies manual executions; semi_auto proceeds to the
	// approval gate where an operator overrides explicitly.
	if req.Mode != models.ModeAuto {
		return &Decision{Allowed: true}, nil
	}
	if req.InProgress && !c.cfg.BlackoutSuspendsRunning {
		return &Decision{Allowed: true}, nil
	}

	windows, err := c.blackouts.ListEnabledForScope(ctx, req.Scope)
	if err != nil {
		return nil, fmt.Errorf("list blackout windows: %w", err)
	}
	for _, w := range windows {
		if w.ActiveAt(now) {
			return deny(CheckBlackout, fmt.Sprintf("blackout window %q is active", w.Name)), nil
		}
	}
	return &Decision{Allowed: true}, nil
}

func (c *Controller) checkRateLimit(ctx context.Context, req AdmitRequest, now time.Time) (*Decision, error) {
	// Steps of an admitted execution don't consume additional slots.
	if req.InProgress || c.cfg.RateMax <= 0 {
		return &Decision{Allowed: true}, nil
	}

	granted, count, err := c.state.TryAcquireSlot(ctx, req.Scope, c.cfg.RateMax, c.cfg.RateWindow, c.cfg.RateCooldown, now)
	if err != nil {
		return nil, fmt.Errorf("acquire rate slot: %w", err)
	}
	if !granted {
		return deny(CheckRateLimit,
			fmt.Sprintf("rate limit reached for scope (%d/%d in %s)", count, c.cfg.RateMax, c.cfg.RateWindow)), nil
	}
	return &Decision{Allowed: true}, nil
}

// checkBreaker walks the breaker state machine for an admit. Open breakers
// whose cooldown elapsed move to half-open; exactly one admit then passes
// as the probe while the rest are denied.
func (c *Controller) checkBreaker(ctx context.Context, scope string, now time.Time) (*Decision, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		b, err := c.state.GetBreaker(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("load breaker: %w", err)
		}

		switch b.State {
		case models.BreakerClosed:
			return &Decision{Allowed: true}, nil

		case models.BreakerOpen:
			if !b.CooldownElapsed(now) {
				return deny(CheckBreaker, breakerOpenReason(b)), nil
			}
			// Cooldown over: become the half-open probe.
			b.State = models.BreakerHalfOpen
			b.ProbeInFlight = true
			if err := c.state.SaveBreaker(ctx, b); err != nil {
				if errors.Is(err, postgres.ErrVersionConflict) {
					continue // raced another admit, re-read
				}
				return nil, fmt.Errorf("save breaker: %w", err)
			}
			c.log.Info("circuit breaker half-open, probe admitted", "scope", scope)
			return &Decision{Allowed: true, Probe: true}, nil

		case models.BreakerHalfOpen:
			if b.ProbeInFlight {
				// A probe whose worker died never reports back. Once the
				// breaker row has sat untouched for a full cooldown the
				// probe is considered lost and a new one may replace it.
				if c.cfg.Cooldown <= 0 || now.Sub(b.UpdatedAt) <= c.cfg.Cooldown {
					return deny(CheckBreaker, "circuit breaker half-open with probe outstanding"), nil
				}
				c.log.Warn("circuit breaker probe stale, admitting replacement probe", "scope", scope)
			}
			b.ProbeInFlight = true
			if err := c.state.SaveBreaker(ctx, b); err != nil {
				if errors.Is(err, postgres.ErrVersionConflict) {
					continue
				}
				return nil, fmt.Errorf("save breaker: %w", err)
			}
			return &Decision{Allowed: true, Probe: true}, nil

		default:
			return nil, fmt.Errorf("unknown breaker state %q for scope %s", b.State, scope)
		}
	}
	// Contention means another worker is mutating the breaker; refuse
	// rather than risk passing an open breaker.
	return deny(CheckBreaker, "circuit breaker state contended"), nil
}

func breakerOpenReason(b *models.CircuitBreaker) string {
	if b.CooldownUntil != nil {
		return fmt.Sprintf("circuit breaker open until %s", b.CooldownUntil.UTC().Format(time.RFC3339))
	}
	return "circuit breaker open"
}

// RecordResult feeds a step outcome back into the breaker for a scope.
// probe marks results of a half-open probe admit.
func (c *Controller) RecordResult(ctx context.Context, scope string, success, probe bool) error {
	now := c.now()

	for attempt := 0; attempt < casRetries; attempt++ {
		b, err := c.state.GetBreaker(ctx, scope)
		if err != nil {
			return fmt.Errorf("load breaker: %w", err)
		}

		switch {
		case b.State == models.BreakerHalfOpen && probe:
			if success {
				b.State = models.BreakerClosed
				b.ConsecutiveFailures = 0
				b.OpenedAt = nil
				b.CooldownUntil = nil
				c.log.Info("circuit breaker closed after successful probe", "scope", scope)
			} else {
				b.State = models.BreakerOpen
				opened := now
				cooldown := now.Add(c.cfg.Cooldown)
				b.OpenedAt = &opened
				b.CooldownUntil = &cooldown
				c.log.Warn("circuit breaker re-opened after failed probe", "scope", scope)
			}
			b.ProbeInFlight = false

		case success:
			if b.ConsecutiveFailures == 0 && b.State == models.BreakerClosed {
				return nil // nothing to update
			}
			b.ConsecutiveFailures = 0

		default: // failure outside a probe
			// Stale failures outside the rolling window don't chain.
			if c.cfg.FailureWindow > 0 && !b.UpdatedAt.IsZero() && now.Sub(b.UpdatedAt) > c.cfg.FailureWindow {
				b.ConsecutiveFailures = 0
			}
			b.ConsecutiveFailures++
			if b.State == models.BreakerClosed && b.ConsecutiveFailures >= c.cfg.FailureThreshold {
				b.State = models.BreakerOpen
				opened := now
				cooldown := now.Add(c.cfg.Cooldown)
				b.OpenedAt = &opened
				b.CooldownUntil = &cooldown
				c.log.Warn("circuit breaker opened",
					"scope", scope, "consecutive_failures", b.ConsecutiveFailures)
			}
		}

		if err := c.state.SaveBreaker(ctx, b); err != nil {
			if errors.Is(err, postgres.ErrVersionConflict) {
				continue
			}
			return fmt.Errorf("save breaker: %w", err)
		}
		return nil
	}
	return fmt.Errorf("breaker update for scope %s lost %d races", scope, casRetries)
}
