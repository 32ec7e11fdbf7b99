// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package runner

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/fr4nsys/remedia/internal/creds"
	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/redact"
)

// Invocation is one fully-rendered step call: all templating and credential
// resolution happened upstream.
type Invocation struct {
	Kind    models.StepKind
	Target  string
	Timeout time.Duration

	// Command steps.
	Command string

	// API steps.
	Method         string
	Body           string
	Headers        map[string]string
	ExpectedStatus int // 0 = any 2xx

	Credential *creds.Credential
	Extract    []models.ExtractRule
}

// Result is the normalized outcome shared by all step kinds. For Command
// steps ExitCode is the process exit status; for API steps it is the HTTP
// status code. Text fields are redacted before the result leaves a runner.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	Extracted  map[string]string
	Detections []redact.Detection
}

// Success reports whether the result satisfies the invocation's
// expectations.
func (r *Result) Success(inv *Invocation) bool {
	if inv.Kind == models.StepKindAPI {
		if inv.ExpectedStatus > 0 {
			return r.ExitCode == inv.ExpectedStatus
		}
		return r.ExitCode >= 200 && r.ExitCode < 300
	}
	return r.ExitCode == 0
}

// StepRunner executes one rendered step. Implementations must honor ctx
// cancellation and the invocation timeout.
type StepRunner interface {
	Run(ctx context.Context, inv *Invocation) (*Result, error)
}

// boundCtx applies the invocation timeout to ctx. The orchestrator bounds
// ctx the same way, so for engine-driven steps this is a no-op in effect,
// but direct callers get the per-step deadline regardless.
func boundCtx(ctx context.Context, inv *Invocation) (context.Context, context.CancelFunc) {
	if inv.Timeout > 0 {
		return context.WithTimeout(ctx, inv.Timeout)
	}
	return context.WithCancel(ctx)
}

// finalize applies variable extraction to the raw output, then redacts all
// text fields in place. Extraction reads raw text: the rules are
// operator-authored and later steps template over the extracted values.
func finalize(res *Result, inv *Invocation, redactor redact.Redactor) *Result {
	res.Extracted = extractVars(inv.Extract, res.Stdout)

	var dets []redact.Detection
	d, out := redactor.Redact(res.Stdout)
	dets = append(dets, d...)
	res.Stdout = out
	d, errOut := redactor.Redact(res.Stderr)
	dets = append(dets, d...)
	res.Stderr = errOut
	res.Detections = dets
	return res
}

// extractVars evaluates extraction rules against output. A rule's pattern
// uses its first capture group when present, the whole match otherwise.
// Rules that fail to compile or don't match simply produce no variable.
func extractVars(rules []models.ExtractRule, output string) map[string]string {
	if len(rules) == 0 {
		return nil
	}
	out := make(map[string]string, len(rules))
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			continue
		}
		m := re.FindStringSubmatch(output)
		if m == nil {
			continue
		}
		if len(m) > 1 {
			out[rule.Name] = m[1]
		} else {
			out[rule.Name] = m[0]
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Registry dispatches invocations to the runner for their step kind.
type Registry struct {
	command StepRunner
	api     StepRunner
	dry     StepRunner
}

// NewRegistry creates a runner registry.
func NewRegistry(command, api, dry StepRunner) *Registry {
	return &Registry{command: command, api: api, dry: dry}
}

// Get returns the runner for a step kind. dryRun swaps in the dry runner
// regardless of kind.
func (r *Registry) Get(kind models.StepKind, dryRun bool) (StepRunner, error) {
	if dryRun {
		return r.dry, nil
	}
	switch kind {
	case models.StepKindCommand:
		return r.command, nil
	case models.StepKindAPI:
		return r.api, nil
	default:
		return nil, fmt.Errorf("no runner for step kind %q", kind)
	}
}
