// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fr4nsys/remedia/internal/creds"
	"github.com/fr4nsys/remedia/internal/models"
	apperrors "github.com/fr4nsys/remedia/internal/pkg/errors"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
	"github.com/fr4nsys/remedia/internal/runner"
	"github.com/fr4nsys/remedia/internal/safety"
)

// RunbookStore loads the frozen runbook version an execution references.
type RunbookStore interface {
	GetVersion(ctx context.Context, id uuid.UUID, version int) (*models.Runbook, error)
}

// ExecutionStore persists execution and step-attempt state.
type ExecutionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.ExecutionStatus, reason *string) error
	UpdateContext(ctx context.Context, e *models.Execution) error
	MarkRolledBack(ctx context.Context, id uuid.UUID) error
	CreateStepExecution(ctx context.Context, se *models.StepExecution) error
	FinishStepExecution(ctx context.Context, se *models.StepExecution) error
	ListStepExecutions(ctx context.Context, executionID uuid.UUID) ([]*models.StepExecution, error)
}

// ApprovalStore parks and inspects approval requests.
type ApprovalStore interface {
	Create(ctx context.Context, a *models.ApprovalRequest) error
	GetLatestForExecution(ctx context.Context, executionID uuid.UUID) (*models.ApprovalRequest, error)
}

// Gate is the safety controller surface the engine needs.
type Gate interface {
	Admit(ctx context.Context, req safety.AdmitRequest) (*safety.Decision, error)
	RecordResult(ctx context.Context, scope string, success, probe bool) error
	ValidateCommand(command string) string
}

// EventSink receives execution lifecycle events. Delivery is best-effort;
// implementations must never block the engine.
type EventSink interface {
	PublishExecution(ctx context.Context, e *models.Execution)
}

// SecretSink learns resolved credential material so later output redaction
// can strip it.
type SecretSink interface {
	Register(literals ...string)
}

// Config holds engine tunables.
type Config struct {
	ApprovalTTL time.Duration // lifetime of a pending approval request
	StepTimeout time.Duration // default when a step sets none
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ApprovalTTL: 30 * time.Minute,
		StepTimeout: 5 * time.Minute,
	}
}

// cancelEntry tracks one in-flight execution's cancel handle.
type cancelEntry struct {
	cancel       context.CancelFunc
	withRollback bool
}

// Engine drives one execution at a time through its lifecycle: approval
// gate, per-step safety admission, sequential step runs with retry and
// context propagation, failure policy, and best-effort rollback.
type Engine struct {
	cfg        Config
	runbooks   RunbookStore
	executions ExecutionStore
	approvals  ApprovalStore
	gate       Gate
	resolver   creds.Resolver
	runners    *runner.Registry
	events     EventSink
	secrets    SecretSink
	log        *logger.Logger

	mu      sync.Mutex
	running map[uuid.UUID]*cancelEntry
}

// NewEngine creates an execution engine. events and secrets may be nil.
func NewEngine(
	cfg Config,
	runbooks RunbookStore,
	executions ExecutionStore,
	approvals ApprovalStore,
	gate Gate,
	resolver creds.Resolver,
	runners *runner.Registry,
	events EventSink,
	secrets SecretSink,
	log *logger.Logger,
) *Engine {
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = DefaultConfig().ApprovalTTL
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	return &Engine{
		cfg:        cfg,
		runbooks:   runbooks,
		executions: executions,
		approvals:  approvals,
		gate:       gate,
		resolver:   resolver,
		runners:    runners,
		events:     events,
		secrets:    secrets,
		log:        log.Named("orchestrator"),
		running:    make(map[uuid.UUID]*cancelEntry),
	}
}

// Run drives the execution with the given id until it parks or reaches a
// terminal status. Safe to call again after a crash: already-successful
// steps are skipped.
func (e *Engine) Run(ctx context.Context, executionID uuid.UUID) error {
	exec, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return err
	}
	log := e.log.With("execution_id", exec.ID, "runbook_id", exec.RunbookID)

	if exec.IsTerminal() {
		log.Debug("execution already terminal", "status", exec.Status)
		return nil
	}
	if exec.Status == models.ExecStatusAwaitingApproval {
		return apperrors.NewConflictError("execution is awaiting approval")
	}
	if exec.Status == models.ExecStatusQueued {
		if err := e.transition(ctx, exec, models.ExecStatusRunning, nil); err != nil {
			return err
		}
	}

	rb, err := e.runbooks.GetVersion(ctx, exec.RunbookID, exec.RunbookVersion)
	if err != nil {
		e.finish(ctx, exec, models.ExecStatusFailed, "runbook version not found: "+err.Error())
		return err
	}
	steps, err := rb.ParseSteps()
	if err != nil {
		e.finish(ctx, exec, models.ExecStatusFailed, "invalid step configuration: "+err.Error())
		return err
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	// Semi-automatic executions park for approval before the first step.
	if exec.Mode == models.ModeSemiAuto && !exec.DryRun {
		parked, err := e.gateApproval(ctx, exec, log)
		if err != nil || parked {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	entry := &cancelEntry{cancel: cancel}
	e.mu.Lock()
	e.running[exec.ID] = entry
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, exec.ID)
		e.mu.Unlock()
	}()

	return e.runSteps(runCtx, exec, rb, steps, entry, log)
}

// gateApproval parks a semi-automatic execution unless an operator already
// approved it. Returns parked=true when the engine released the execution.
func (e *Engine) gateApproval(ctx context.Context, exec *models.Execution, log *logger.Logger) (bool, error) {
	latest, err := e.approvals.GetLatestForExecution(ctx, exec.ID)
	if err != nil {
		return false, err
	}
	if latest != nil {
		switch latest.Status {
		case models.ApprovalApproved:
			return false, nil
		case models.ApprovalPending:
			// Resumed too early; park again without a new request.
			return true, e.transition(ctx, exec, models.ExecStatusAwaitingApproval, strPtr("awaiting operator approval"))
		default: // rejected or expired
			e.finish(ctx, exec, models.ExecStatusCancelled, "approval "+string(latest.Status))
			return true, nil
		}
	}

	req := &models.ApprovalRequest{
		ExecutionID: exec.ID,
		ExpiresAt:   time.Now().Add(e.cfg.ApprovalTTL),
	}
	if err := e.approvals.Create(ctx, req); err != nil {
		return false, fmt.Errorf("create approval request: %w", err)
	}
	if err := e.transition(ctx, exec, models.ExecStatusAwaitingApproval, strPtr("awaiting operator approval")); err != nil {
		return false, err
	}
	log.Info("execution parked for approval", "approval_id", req.ID, "expires_at", req.ExpiresAt)
	return true, nil
}

func (e *Engine) runSteps(ctx context.Context, exec *models.Execution, rb *models.Runbook, steps []models.Step, entry *cancelEntry, log *logger.Logger) error {
	vars, err := exec.GetContext()
	if err != nil {
		e.finish(ctx, exec, models.ExecStatusFailed, "corrupt execution context: "+err.Error())
		return err
	}
	doneOrders, err := e.completedOrders(ctx, exec.ID)
	if err != nil {
		return err
	}

	admitted := false
	failedSteps := 0

	for i := range steps {
		step := &steps[i]
		if doneOrders[step.Order] {
			continue
		}
		if ctx.Err() != nil {
			return e.cancelled(ctx, exec, steps[i:], entry, log)
		}

		rendered, cred, prepErr := e.prepareStep(ctx, step, vars)
		if prepErr == nil {
			// Safety admission per step. The first admit consumes the rate
			// slot; later steps re-check under in-progress semantics so a
			// breaker that opened or a blackout that began mid-run still
			// applies per configuration.
			decision, admitErr := e.admit(ctx, exec, rendered, admitted)
			if admitErr != nil {
				e.finish(ctx, exec, models.ExecStatusFailed, "safety check failed: "+admitErr.Error())
				return admitErr
			}
			if !decision.Allowed {
				reason := fmt.Sprintf("%s: %s", decision.Check, decision.Reason)
				log.Warn("execution blocked", "step", step.Name, "check", decision.Check, "reason", decision.Reason)
				e.finish(ctx, exec, models.ExecStatusBlocked, reason)
				return nil
			}
			admitted = true

			success, runErr := e.runStepWithRetry(ctx, exec, rendered, step, cred, vars, log)
			if ctx.Err() != nil {
				return e.cancelled(ctx, exec, steps[i+1:], entry, log)
			}
			if !exec.DryRun {
				scope := models.ScopeKey(exec.RunbookID, rendered.Target)
				if err := e.gate.RecordResult(ctx, scope, success, decision.Probe); err != nil {
					log.Error("failed to record step result with safety controller", "error", err)
				}
			}
			if success {
				continue
			}
			prepErr = runErr
		} else {
			// Rendering or credential failures burn no attempts; record a
			// single failed attempt so the history explains the outcome.
			e.recordPreparationFailure(ctx, exec, step, prepErr)
		}

		failedSteps++
		log.Warn("step failed", "step", step.Name, "error", prepErr)

		// A credential that cannot be resolved is not a step outcome the
		// failure policy may absorb: every later step with the same ref
		// would fail identically, and "continue" would report success.
		if apperrors.IsCredentialError(prepErr) {
			e.skipRemaining(ctx, exec, steps[i+1:])
			e.finish(ctx, exec, models.ExecStatusFailed, failReason(step, prepErr))
			return nil
		}

		switch rb.FailurePolicy {
		case models.FailurePolicyContinue:
			continue
		case models.FailurePolicyRollback:
			e.skipRemaining(ctx, exec, steps[i+1:])
			e.finish(ctx, exec, models.ExecStatusFailed, failReason(step, prepErr))
			e.rollback(context.WithoutCancel(ctx), exec, steps, vars, log)
			return nil
		default: // abort
			e.skipRemaining(ctx, exec, steps[i+1:])
			e.finish(ctx, exec, models.ExecStatusFailed, failReason(step, prepErr))
			return nil
		}
	}

	reason := ""
	if failedSteps > 0 {
		reason = fmt.Sprintf("completed with %d failed step(s)", failedSteps)
	}
	e.finish(ctx, exec, models.ExecStatusCompleted, reason)
	log.Info("execution completed", "failed_steps", failedSteps, "dry_run", exec.DryRun)
	return nil
}

// prepareStep renders templated parameters and resolves the credential.
func (e *Engine) prepareStep(ctx context.Context, step *models.Step, vars map[string]string) (*models.Step, *creds.Credential, error) {
	rendered, err := renderStep(step, vars)
	if err != nil {
		return nil, nil, err
	}

	var cred *creds.Credential
	if rendered.AuthRef != "" {
		cred, err = e.resolver.Resolve(ctx, rendered.AuthRef)
		if err != nil {
			return nil, nil, err
		}
		if e.secrets != nil {
			e.secrets.Register(cred.Secrets()...)
		}
	}
	return rendered, cred, nil
}

func (e *Engine) admit(ctx context.Context, exec *models.Execution, rendered *models.Step, admitted bool) (*safety.Decision, error) {
	command := ""
	if rendered.Kind == models.StepKindCommand {
		command = rendered.Command
	}

	// Dry runs gate on command validation only: they consume no rate slot
	// and must not move breaker state.
	if exec.DryRun {
		if command != "" {
			if reason := e.gate.ValidateCommand(command); reason != "" {
				return &safety.Decision{Check: safety.CheckCommand, Reason: reason}, nil
			}
		}
		return &safety.Decision{Allowed: true}, nil
	}

	return e.gate.Admit(ctx, safety.AdmitRequest{
		Scope:      models.ScopeKey(exec.RunbookID, rendered.Target),
		Mode:       exec.Mode,
		Command:    command,
		InProgress: admitted,
	})
}

// runStepWithRetry runs one step up to its attempt cap, recording every
// attempt. On success the extracted variables are merged into the shared
// context and persisted.
func (e *Engine) runStepWithRetry(ctx context.Context, exec *models.Execution, rendered, step *models.Step, cred *creds.Credential, vars map[string]string, log *logger.Logger) (bool, error) {
	r, err := e.runners.Get(rendered.Kind, exec.DryRun)
	if err != nil {
		return false, err
	}

	maxAttempts := step.MaxAttempts()
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, _, runErr := e.runAttempt(ctx, exec, rendered, cred, r, attempt, false)
		if runErr == nil && res.Success(invocationFor(rendered, cred, 0)) {
			for k, v := range res.Extracted {
				vars[k] = v
			}
			if len(res.Extracted) > 0 {
				if err := exec.SetContext(vars); err == nil {
					if err := e.executions.UpdateContext(ctx, exec); err != nil {
						log.Error("failed to persist execution context", "error", err)
					}
				}
			}
			return true, nil
		}

		if runErr != nil {
			lastErr = runErr
		} else {
			lastErr = fmt.Errorf("step %q attempt %d exited %d", step.Name, attempt, res.ExitCode)
		}

		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if attempt < maxAttempts {
			log.Debug("retrying step", "step", step.Name, "attempt", attempt, "error", lastErr)
			if !e.sleep(ctx, step.Backoff(attempt)) {
				return false, ctx.Err()
			}
		}
	}
	return false, apperrors.NewStepExecutionError(step.Order, maxAttempts, lastErr)
}

// runAttempt creates the attempt record, invokes the runner under the step
// timeout, and finalizes the record. A timed-out attempt counts as a
// failure like any other.
func (e *Engine) runAttempt(ctx context.Context, exec *models.Execution, rendered *models.Step, cred *creds.Credential, r runner.StepRunner, attempt int, rollback bool) (*runner.Result, *models.StepExecution, error) {
	se := &models.StepExecution{
		ExecutionID: exec.ID,
		StepOrder:   rendered.Order,
		StepName:    rendered.Name,
		Attempt:     attempt,
		Rollback:    rollback,
	}
	if err := e.executions.CreateStepExecution(ctx, se); err != nil {
		return nil, nil, err
	}

	timeout := rendered.Timeout(e.cfg.StepTimeout)
	inv := invocationFor(rendered, cred, timeout)
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	res, runErr := r.Run(stepCtx, inv)
	cancel()

	now := time.Now()
	se.FinishedAt = &now
	switch {
	case runErr != nil:
		se.Outcome = models.StepOutcomeFailure
		se.ErrorMsg = strPtr(runErr.Error())
	case res.Success(inv):
		se.Outcome = models.StepOutcomeSuccess
		if rollback {
			se.Outcome = models.StepOutcomeRolledBack
		}
	default:
		se.Outcome = models.StepOutcomeFailure
	}
	if res != nil {
		se.ExitCode = &res.ExitCode
		se.Stdout = res.Stdout
		se.Stderr = res.Stderr
		if err := se.SetExtracted(res.Extracted); err != nil {
			se.Extracted = nil
		}
	}
	if err := e.executions.FinishStepExecution(ctx, se); err != nil {
		e.log.Error("failed to finalize step record", "execution_id", exec.ID, "error", err)
	}
	return res, se, runErr
}

// invocationFor maps a rendered step onto a runner invocation.
func invocationFor(s *models.Step, cred *creds.Credential, timeout time.Duration) *runner.Invocation {
	return &runner.Invocation{
		Kind:           s.Kind,
		Target:         s.Target,
		Timeout:        timeout,
		Command:        s.Command,
		Method:         s.Method,
		Body:           s.Body,
		Headers:        s.Headers,
		ExpectedStatus: s.ExpectedStatus,
		Credential:     cred,
		Extract:        s.Extract,
	}
}

// recordPreparationFailure writes a single failed attempt for a step that
// never reached its runner.
func (e *Engine) recordPreparationFailure(ctx context.Context, exec *models.Execution, step *models.Step, cause error) {
	se := &models.StepExecution{
		ExecutionID: exec.ID,
		StepOrder:   step.Order,
		StepName:    step.Name,
		Attempt:     1,
	}
	if err := e.executions.CreateStepExecution(ctx, se); err != nil {
		e.log.Error("failed to record step preparation failure", "execution_id", exec.ID, "error", err)
		return
	}
	now := time.Now()
	se.FinishedAt = &now
	se.Outcome = models.StepOutcomeFailure
	se.ErrorMsg = strPtr(cause.Error())
	if err := e.executions.FinishStepExecution(ctx, se); err != nil {
		e.log.Error("failed to finalize step record", "execution_id", exec.ID, "error", err)
	}
}

// skipRemaining records skipped outcomes for steps that never ran.
func (e *Engine) skipRemaining(ctx context.Context, exec *models.Execution, remaining []models.Step) {
	for i := range remaining {
		step := &remaining[i]
		se := &models.StepExecution{
			ExecutionID: exec.ID,
			StepOrder:   step.Order,
			StepName:    step.Name,
			Attempt:     1,
		}
		if err := e.executions.CreateStepExecution(ctx, se); err != nil {
			continue
		}
		now := time.Now()
		se.Outcome = models.StepOutcomeSkipped
		se.FinishedAt = &now
		if err := e.executions.FinishStepExecution(ctx, se); err != nil {
			e.log.Error("failed to record skipped step", "execution_id", exec.ID, "error", err)
		}
	}
}

// cancelled finalizes an execution whose context was cancelled mid-run.
func (e *Engine) cancelled(ctx context.Context, exec *models.Execution, remaining []models.Step, entry *cancelEntry, log *logger.Logger) error {
	// The run context is dead; state updates use a detached context.
	fctx := context.WithoutCancel(ctx)
	e.skipRemaining(fctx, exec, remaining)
	e.finish(fctx, exec, models.ExecStatusCancelled, "cancelled by operator")
	log.Info("execution cancelled", "with_rollback", entry.withRollback)

	if entry.withRollback {
		vars, err := exec.GetContext()
		if err != nil {
			vars = map[string]string{}
		}
		rb, err := e.runbooks.GetVersion(fctx, exec.RunbookID, exec.RunbookVersion)
		if err != nil {
			return nil
		}
		steps, err := rb.ParseSteps()
		if err != nil {
			return nil
		}
		e.rollback(fctx, exec, steps, vars, log)
	}
	return nil
}

// Cancel requests cancellation of an execution. A running execution is
// interrupted; a queued or parked one is cancelled directly. Rollback runs
// only when withRollback is set.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, withRollback bool) error {
	e.mu.Lock()
	if entry, ok := e.running[id]; ok {
		entry.withRollback = withRollback
		entry.cancel()
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	exec, err := e.executions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if exec.IsTerminal() {
		return apperrors.NewConflictError("execution already finished")
	}
	e.finish(ctx, exec, models.ExecStatusCancelled, "cancelled by operator")
	return nil
}

// completedOrders returns the step orders whose latest attempt succeeded,
// so a re-run after a crash does not repeat finished work.
func (e *Engine) completedOrders(ctx context.Context, executionID uuid.UUID) (map[int]bool, error) {
	records, err := e.executions.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	done := make(map[int]bool)
	for _, se := range records {
		if !se.Rollback && se.Outcome == models.StepOutcomeSuccess {
			done[se.StepOrder] = true
		}
	}
	return done, nil
}

// transition applies a guarded status change and mirrors it locally.
func (e *Engine) transition(ctx context.Context, exec *models.Execution, to models.ExecutionStatus, reason *string) error {
	if !exec.CanTransitionTo(to) {
		return apperrors.NewConflictError(fmt.Sprintf("cannot move execution from %s to %s", exec.Status, to))
	}
	if err := e.executions.UpdateStatus(ctx, exec.ID, exec.Status, to, reason); err != nil {
		return err
	}
	exec.Status = to
	exec.StatusReason = reason
	e.publish(ctx, exec)
	return nil
}

// finish moves the execution to a terminal (or parked) status, logging
// instead of failing when the guarded update loses a race.
func (e *Engine) finish(ctx context.Context, exec *models.Execution, to models.ExecutionStatus, reason string) {
	var rp *string
	if reason != "" {
		rp = &reason
	}
	if err := e.transition(ctx, exec, to, rp); err != nil {
		e.log.Error("status transition failed",
			"execution_id", exec.ID, "to", to, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, exec *models.Execution) {
	if e.events != nil {
		e.events.PublishExecution(ctx, exec)
	}
}

// sleep waits for d or until ctx is done; reports whether the full wait
// elapsed.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func failReason(step *models.Step, err error) string {
	return fmt.Sprintf("step %q failed: %v", step.Name, err)
}

func strPtr(s string) *string { return &s }
