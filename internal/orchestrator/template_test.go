// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package orchestrator

import (
	"testing"

	"github.com/fr4nsys/remedia/internal/models"
)

func TestRenderString(t *testing.T) {
	vars := map[string]string{"pid": "412", "host": "web-1"}

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", "no variables here", "no variables here", false},
		{"simple", "kill ${pid}", "kill 412", false},
		{"two vars", "ssh ${host} kill ${pid}", "ssh web-1 kill 412", false},
		{"default unused", "${pid:-999}", "412", false},
		{"default applied", "${port:-8080}", "8080", false},
		{"required present", "${pid:?pid missing}", "412", false},
		{"required missing", "${port:?port missing}", "", true},
		{"unknown left for shell", "echo $HOME in ${PATH}", "echo $HOME in ${PATH}", false},
		{"repeated", "${pid} and ${pid}", "412 and 412", false},
	}
	for _, tt := range tests {
		got, err := renderString(tt.in, vars)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestRenderStep(t *testing.T) {
	vars := map[string]string{"host": "web-1", "token": "t-1"}
	step := &models.Step{
		Name:   "notify",
		Kind:   models.StepKindAPI,
		Target: "https://${host}/restart",
		Body:   `{"host":"${host}"}`,
		Headers: map[string]string{
			"X-Request-Source": "remedia",
			"X-Trace":          "${token}",
		},
	}

	rendered, err := renderStep(step, vars)
	if err != nil {
		t.Fatalf("renderStep: %v", err)
	}
	if rendered.Target != "https://web-1/restart" {
		t.Errorf("target = %q", rendered.Target)
	}
	if rendered.Body != `{"host":"web-1"}` {
		t.Errorf("body = %q", rendered.Body)
	}
	if rendered.Headers["X-Trace"] != "t-1" {
		t.Errorf("header = %q", rendered.Headers["X-Trace"])
	}

	// Original untouched.
	if step.Target != "https://${host}/restart" || step.Headers["X-Trace"] != "${token}" {
		t.Error("renderStep mutated its input")
	}
}

func TestRenderStepRequiredError(t *testing.T) {
	step := &models.Step{
		Name:    "kill",
		Kind:    models.StepKindCommand,
		Target:  "web-1",
		Command: "kill ${pid:?no pid extracted}",
	}
	if _, err := renderStep(step, map[string]string{}); err == nil {
		t.Fatal("expected error for required variable")
	}
}
