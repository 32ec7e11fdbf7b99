// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

// Package scheduler drives queued executions forward: it claims work under
// a global concurrency cap, expires overdue approvals, recovers executions
// orphaned by a crash, and fires cron-scheduled trigger rules.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/errors"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config holds scheduler configuration.
type Config struct {
	// PollInterval is how often queued executions are claimed.
	PollInterval time.Duration

	// MaxConcurrent caps simultaneously running executions system-wide.
	MaxConcurrent int

	// ApprovalSweepInterval is how often overdue approvals are expired.
	ApprovalSweepInterval time.Duration

	// StaleAfter is how long a running execution may go untouched before
	// crash recovery marks it failed.
	StaleAfter time.Duration

	// RecoveryInterval is how often stale executions are recovered.
	RecoveryInterval time.Duration

	// RuleRefreshInterval is how often cron trigger rules are reloaded.
	RuleRefreshInterval time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:          2 * time.Second,
		MaxConcurrent:         5,
		ApprovalSweepInterval: 30 * time.Second,
		StaleAfter:            time.Hour,
		RecoveryInterval:      5 * time.Minute,
		RuleRefreshInterval:   time.Minute,
	}
}

// ExecutionStore is the persistence surface the scheduler needs.
type ExecutionStore interface {
	ClaimQueued(ctx context.Context, limit int) ([]*models.Execution, error)
	CountRunning(ctx context.Context) (int, error)
	RecoverStale(ctx context.Context, olderThan time.Time) (int64, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.ExecutionStatus, reason *string) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error)
	Create(ctx context.Context, e *models.Execution) error
}

// ApprovalStore expires overdue approval requests.
type ApprovalStore interface {
	ExpireOverdue(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error)
}

// TriggerStore lists cron-scheduled trigger rules.
type TriggerStore interface {
	ListScheduled(ctx context.Context) ([]*models.TriggerRule, error)
}

// RunbookStore resolves runbooks for scheduled triggers.
type RunbookStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Runbook, error)
}

// ExecutionRunner drives one claimed execution; the orchestrator engine
// implements it.
type ExecutionRunner interface {
	Run(ctx context.Context, executionID uuid.UUID) error
}

// EventSink receives lifecycle events for transitions the scheduler makes
// itself. May be nil.
type EventSink interface {
	PublishExecution(ctx context.Context, e *models.Execution)
}

// Scheduler is the background loop owner.
type Scheduler struct {
	cfg        Config
	executions ExecutionStore
	approvals  ApprovalStore
	triggers   TriggerStore
	runbooks   RunbookStore
	runner     ExecutionRunner
	events     EventSink
	clock      Clock
	cron       *cron.Cron
	log        *logger.Logger

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
	cronEntries map[uuid.UUID]cronEntry
}

type cronEntry struct {
	id   cron.EntryID
	spec string
}

// New creates a scheduler. triggers, runbooks and events may be nil to
// disable scheduled rules and event publishing.
func New(cfg Config, executions ExecutionStore, approvals ApprovalStore, triggers TriggerStore, runbooks RunbookStore, runner ExecutionRunner, events EventSink, log *logger.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.ApprovalSweepInterval <= 0 {
		cfg.ApprovalSweepInterval = def.ApprovalSweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = def.RecoveryInterval
	}
	if cfg.RuleRefreshInterval <= 0 {
		cfg.RuleRefreshInterval = def.RuleRefreshInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		cfg:         cfg,
		executions:  executions,
		approvals:   approvals,
		triggers:    triggers,
		runbooks:    runbooks,
		runner:      runner,
		events:      events,
		clock:       realClock{},
		cron:        cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		log:         log.Named("scheduler"),
		stopCh:      make(chan struct{}),
		cronEntries: make(map[uuid.UUID]cronEntry),
	}
}

// SetClock overrides the time source. Tests only.
func (s *Scheduler) SetClock(c Clock) { s.clock = c }

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the background loops. Crash recovery runs once before the
// first claim so no execution is left running with no worker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New(errors.CodeConflict, "scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	s.log.Info("starting scheduler",
		"max_concurrent", s.cfg.MaxConcurrent,
		"poll_interval", s.cfg.PollInterval,
	)

	if n, err := s.recoverStale(ctx); err != nil {
		s.log.Warn("startup crash recovery failed", "error", err)
	} else if n > 0 {
		s.log.Warn("recovered orphaned executions", "count", n)
	}

	if s.triggers != nil {
		if err := s.refreshScheduledRules(ctx); err != nil {
			s.log.Warn("failed to load scheduled trigger rules", "error", err)
		}
		s.cron.Start()
	}

	s.wg.Add(1)
	go s.loop(ctx, s.cfg.PollInterval, s.claimAndRun)
	s.wg.Add(1)
	go s.loop(ctx, s.cfg.ApprovalSweepInterval, s.expireApprovals)
	s.wg.Add(1)
	go s.loop(ctx, s.cfg.RecoveryInterval, func(ctx context.Context) {
		if _, err := s.recoverStale(ctx); err != nil {
			s.log.Error("crash recovery failed", "error", err)
		}
	})
	if s.triggers != nil {
		s.wg.Add(1)
		go s.loop(ctx, s.cfg.RuleRefreshInterval, func(ctx context.Context) {
			if err := s.refreshScheduledRules(ctx); err != nil {
				s.log.Error("failed to refresh scheduled trigger rules", "error", err)
			}
		})
	}
	return nil
}

// Stop shuts the loops down and waits for in-flight work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.log.Info("stopping scheduler")
	close(s.stopCh)
	if s.triggers != nil {
		<-s.cron.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.log.Warn("scheduler shutdown timeout")
	}
	s.log.Info("scheduler stopped")
}

// loop runs fn on a fixed interval until stop.
func (s *Scheduler) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// ============================================================================
// Claiming
// ============================================================================

// claimAndRun assigns queued executions to workers up to the global cap.
// Claimed executions run concurrently with each other but their own steps
// stay strictly sequential inside the engine.
func (s *Scheduler) claimAndRun(ctx context.Context) {
	running, err := s.executions.CountRunning(ctx)
	if err != nil {
		s.log.Error("failed to count running executions", "error", err)
		return
	}
	free := s.cfg.MaxConcurrent - running
	if free <= 0 {
		return
	}

	claimed, err := s.executions.ClaimQueued(ctx, free)
	if err != nil {
		s.log.Error("failed to claim queued executions", "error", err)
		return
	}
	for _, exec := range claimed {
		s.log.Info("claimed execution",
			"execution_id", exec.ID, "runbook_id", exec.RunbookID, "mode", exec.Mode)
		s.wg.Add(1)
		go func(id uuid.UUID) {
			defer s.wg.Done()
			if err := s.runner.Run(ctx, id); err != nil {
				s.log.Error("execution run failed", "execution_id", id, "error", err)
			}
		}(exec.ID)
	}
}

// ============================================================================
// Approval expiry
// ============================================================================

// expireApprovals marks overdue requests expired and cancels their parked
// executions.
func (s *Scheduler) expireApprovals(ctx context.Context) {
	if s.approvals == nil {
		return
	}
	expired, err := s.approvals.ExpireOverdue(ctx, s.clock.Now())
	if err != nil {
		s.log.Error("failed to expire approvals", "error", err)
		return
	}
	for _, req := range expired {
		reason := "approval expired"
		err := s.executions.UpdateStatus(ctx, req.ExecutionID,
			models.ExecStatusAwaitingApproval, models.ExecStatusCancelled, &reason)
		if err != nil {
			// The execution may have been decided or cancelled concurrently.
			s.log.Warn("could not cancel execution for expired approval",
				"execution_id", req.ExecutionID, "error", err)
			continue
		}
		s.log.Info("cancelled execution after approval expiry",
			"execution_id", req.ExecutionID, "approval_id", req.ID)
		s.publishStatus(ctx, req.ExecutionID)
	}
}

func (s *Scheduler) publishStatus(ctx context.Context, id uuid.UUID) {
	if s.events == nil {
		return
	}
	exec, err := s.executions.GetByID(ctx, id)
	if err != nil {
		return
	}
	s.events.PublishExecution(ctx, exec)
}

// ============================================================================
// Crash recovery
// ============================================================================

func (s *Scheduler) recoverStale(ctx context.Context) (int64, error) {
	return s.executions.RecoverStale(ctx, s.clock.Now().Add(-s.cfg.StaleAfter))
}

// ============================================================================
// Scheduled trigger rules
// ============================================================================

// refreshScheduledRules reconciles cron entries with the enabled scheduled
// rules: removed or changed rules are unscheduled, new ones added.
func (s *Scheduler) refreshScheduledRules(ctx context.Context) error {
	rules, err := s.triggers.ListScheduled(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[uuid.UUID]*models.TriggerRule, len(rules))
	for _, r := range rules {
		if r.Schedule != nil && *r.Schedule != "" {
			want[r.ID] = r
		}
	}

	for id, entry := range s.cronEntries {
		rule, ok := want[id]
		if ok && *rule.Schedule == entry.spec {
			continue
		}
		s.cron.Remove(entry.id)
		delete(s.cronEntries, id)
	}

	for id, rule := range want {
		if _, ok := s.cronEntries[id]; ok {
			continue
		}
		rule := rule
		entryID, err := s.cron.AddFunc(*rule.Schedule, func() {
			s.fireScheduledRule(context.Background(), rule)
		})
		if err != nil {
			s.log.Warn("invalid cron schedule on trigger rule",
				"rule_id", rule.ID, "rule_name", rule.Name, "schedule", *rule.Schedule, "error", err)
			continue
		}
		s.cronEntries[id] = cronEntry{id: entryID, spec: *rule.Schedule}
		s.log.Info("scheduled trigger rule registered",
			"rule_name", rule.Name, "schedule", *rule.Schedule)
	}
	return nil
}

// fireScheduledRule enqueues an execution for a cron-triggered rule.
func (s *Scheduler) fireScheduledRule(ctx context.Context, rule *models.TriggerRule) {
	rb, err := s.runbooks.GetByID(ctx, rule.RunbookID)
	if err != nil {
		s.log.Error("scheduled rule references missing runbook",
			"rule_name", rule.Name, "runbook_id", rule.RunbookID, "error", err)
		return
	}
	if !rb.IsEnabled {
		s.log.Debug("scheduled rule skipped, runbook disabled", "rule_name", rule.Name)
		return
	}

	mode := rule.Mode
	if mode == "" {
		mode = rb.DefaultMode
	}
	ref := rule.ID.String()
	exec := &models.Execution{
		RunbookID:      rb.ID,
		RunbookVersion: rb.Version,
		TriggerSource:  models.TriggerSourceRule,
		TriggerRef:     &ref,
		Mode:           mode,
		Status:         models.ExecStatusQueued,
	}
	if err := s.executions.Create(ctx, exec); err != nil {
		s.log.Error("failed to enqueue scheduled execution",
			"rule_name", rule.Name, "error", err)
		return
	}
	s.log.Info("scheduled execution enqueued",
		"rule_name", rule.Name, "execution_id", exec.ID, "runbook_id", rb.ID)
}
