// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fr4nsys/remedia/internal/creds"
	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
	"github.com/fr4nsys/remedia/internal/redact"
)

// maxResponseBytes caps how much of a response body is captured into the
// step record.
const maxResponseBytes = 1 << 20

// APIRunner executes API steps as HTTP calls against the rendered target
// URL. The HTTP status code becomes the result's exit code.
type APIRunner struct {
	client   *http.Client
	redactor redact.Redactor
	log      *logger.Logger
}

// NewAPIRunner creates an HTTP step runner. A nil client gets a dedicated
// one without global timeout (per-step timeouts come from the invocation).
func NewAPIRunner(client *http.Client, redactor redact.Redactor, log *logger.Logger) *APIRunner {
	if client == nil {
		client = &http.Client{}
	}
	return &APIRunner{client: client, redactor: redactor, log: log.Named("runner.api")}
}

// Run performs the HTTP request for an API step.
func (r *APIRunner) Run(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Kind != models.StepKindAPI {
		return nil, fmt.Errorf("api runner got step kind %q", inv.Kind)
	}

	ctx, cancel := boundCtx(ctx, inv)
	defer cancel()

	method := inv.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if inv.Body != "" {
		body = strings.NewReader(inv.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, inv.Target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range inv.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && inv.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	applyAuth(req, inv.Credential)

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are step failures decided by
		// the orchestrator's retry policy, not infrastructure errors.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	res := &Result{
		ExitCode: resp.StatusCode,
		Stdout:   string(data),
		Duration: time.Since(start),
	}
	r.log.Debug("api call finished",
		"target", inv.Target, "method", method, "status", resp.StatusCode, "duration", res.Duration)
	return finalize(res, inv, r.redactor), nil
}

func applyAuth(req *http.Request, cred *creds.Credential) {
	if cred == nil {
		return
	}
	switch cred.Kind {
	case creds.AuthToken:
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	case creds.AuthPassword:
		req.SetBasicAuth(cred.User, cred.Password)
	}
}
