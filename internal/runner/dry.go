// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package runner

import (
	"context"
	"fmt"

	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

// DryRunner validates the rendered invocation and returns a simulated
// success without touching the target. Step records are still produced by
// the orchestrator, so a dry run exercises the full control flow.
type DryRunner struct {
	log *logger.Logger
}

// NewDryRunner creates a dry-run step runner.
func NewDryRunner(log *logger.Logger) *DryRunner {
	return &DryRunner{log: log.Named("runner.dry")}
}

// Run checks the invocation the way a real runner would, then fabricates a
// success result.
func (r *DryRunner) Run(_ context.Context, inv *Invocation) (*Result, error) {
	switch inv.Kind {
	case models.StepKindCommand:
		if inv.Command == "" {
			return nil, fmt.Errorf("command step with empty command")
		}
	case models.StepKindAPI:
		if inv.Target == "" {
			return nil, fmt.Errorf("api step with empty target")
		}
	default:
		return nil, fmt.Errorf("no runner for step kind %q", inv.Kind)
	}

	res := &Result{Stdout: "dry-run: no action taken"}
	if inv.Kind == models.StepKindAPI {
		res.ExitCode = 200
		if inv.ExpectedStatus > 0 {
			res.ExitCode = inv.ExpectedStatus
		}
	}
	r.log.Debug("dry-run step simulated", "kind", inv.Kind, "target", inv.Target)
	return res, nil
}
