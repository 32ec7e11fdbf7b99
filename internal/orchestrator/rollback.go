// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package orchestrator

import (
	"context"

	"github.com/fr4nsys/remedia/internal/models"
	apperrors "github.com/fr4nsys/remedia/internal/pkg/errors"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

// rollback runs compensating steps for every successfully completed step,
// in reverse completion order. Best-effort: a compensating failure is
// recorded and logged but never changes the execution's outcome. Calling
// rollback on an already-rolled-back execution is a no-op.
func (e *Engine) rollback(ctx context.Context, exec *models.Execution, steps []models.Step, vars map[string]string, log *logger.Logger) {
	if exec.RolledBack {
		log.Debug("rollback already performed")
		return
	}

	records, err := e.executions.ListStepExecutions(ctx, exec.ID)
	if err != nil {
		log.Error("rollback aborted: cannot load step history", "error", err)
		return
	}

	// Completion order of distinct successful steps.
	var completed []int
	seen := make(map[int]bool)
	for _, se := range records {
		if se.Rollback || se.Outcome != models.StepOutcomeSuccess || seen[se.StepOrder] {
			continue
		}
		seen[se.StepOrder] = true
		completed = append(completed, se.StepOrder)
	}

	byOrder := make(map[int]*models.Step, len(steps))
	for i := range steps {
		byOrder[steps[i].Order] = &steps[i]
	}

	for i := len(completed) - 1; i >= 0; i-- {
		order := completed[i]
		step, ok := byOrder[order]
		if !ok || step.Compensate == nil {
			continue
		}
		comp := *step.Compensate
		if comp.Order == 0 {
			comp.Order = order
		}
		if comp.Name == "" {
			comp.Name = step.Name + " (compensate)"
		}

		rendered, cred, err := e.prepareStep(ctx, &comp, vars)
		if err != nil {
			log.Error("compensating step preparation failed",
				"step", comp.Name, "error", apperrors.NewRollbackError(order, err))
			e.recordPreparationFailure(ctx, exec, &comp, err)
			continue
		}
		r, err := e.runners.Get(rendered.Kind, exec.DryRun)
		if err != nil {
			log.Error("compensating step has no runner", "step", comp.Name, "error", err)
			continue
		}

		res, _, runErr := e.runAttempt(ctx, exec, rendered, cred, r, 1, true)
		switch {
		case runErr != nil:
			log.Error("compensating step failed",
				"step", comp.Name, "error", apperrors.NewRollbackError(order, runErr))
		case !res.Success(invocationFor(rendered, cred, 0)):
			log.Error("compensating step exited nonzero",
				"step", comp.Name, "exit_code", res.ExitCode)
		default:
			log.Info("compensating step succeeded", "step", comp.Name)
		}
	}

	if err := e.executions.MarkRolledBack(ctx, exec.ID); err != nil {
		log.Error("failed to flag execution as rolled back", "error", err)
		return
	}
	exec.RolledBack = true
}
