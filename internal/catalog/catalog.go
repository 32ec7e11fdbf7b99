// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

// Package catalog loads runbook definitions from YAML files checked into
// an operator-managed directory, validates them, and syncs them into the
// repository. The lint subcommand uses the same validation.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/errors"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
)

// Definition is one runbook as written in a catalog file.
type Definition struct {
	Name          string    `yaml:"name"`
	Description   string    `yaml:"description"`
	DefaultMode   string    `yaml:"default_mode"`
	FailurePolicy string    `yaml:"failure_policy"`
	Enabled       *bool     `yaml:"enabled"`
	Steps         []StepDef `yaml:"steps"`

	// File is the path the definition came from, for diagnostics.
	File string `yaml:"-"`
}

// StepDef is one step in a catalog definition. Order is positional.
type StepDef struct {
	Name           string            `yaml:"name"`
	Kind           string            `yaml:"kind"`
	Target         string            `yaml:"target"`
	AuthRef        string            `yaml:"auth_ref"`
	Command        string            `yaml:"command"`
	Method         string            `yaml:"method"`
	Body           string            `yaml:"body"`
	Headers        map[string]string `yaml:"headers"`
	ExpectedStatus int               `yaml:"expected_status"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Retry          RetryDef          `yaml:"retry"`
	Extract        []ExtractDef      `yaml:"extract"`
	Compensate     *StepDef          `yaml:"compensate"`
}

// RetryDef bounds step retries.
type RetryDef struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	BackoffSeconds float64 `yaml:"backoff_seconds"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
}

// ExtractDef pulls a named variable out of step output.
type ExtractDef struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// ============================================================================
// Loading
// ============================================================================

// LoadFile parses a single catalog file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, errors.CodeValidation, fmt.Sprintf("parse %s", path))
	}
	def.File = path
	return &def, nil
}

// LoadDir loads every .yaml/.yml file in dir, sorted by file name.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// ============================================================================
// Validation
// ============================================================================

var validModes = map[string]bool{
	"": true, string(models.ModeAuto): true, string(models.ModeSemiAuto): true, string(models.ModeManual): true,
}

var validPolicies = map[string]bool{
	"": true, string(models.FailurePolicyAbort): true, string(models.FailurePolicyContinue): true, string(models.FailurePolicyRollback): true,
}

// Validate returns every problem found in the definition. An empty slice
// means the definition is usable.
func (d *Definition) Validate() []string {
	var problems []string
	if d.Name == "" {
		problems = append(problems, "name is required")
	}
	if !validModes[d.DefaultMode] {
		problems = append(problems, fmt.Sprintf("default_mode %q is not one of auto, semi_auto, manual", d.DefaultMode))
	}
	if !validPolicies[d.FailurePolicy] {
		problems = append(problems, fmt.Sprintf("failure_policy %q is not one of abort, continue, rollback", d.FailurePolicy))
	}
	if len(d.Steps) == 0 {
		problems = append(problems, "at least one step is required")
	}
	for i := range d.Steps {
		problems = append(problems, d.Steps[i].validate(fmt.Sprintf("steps[%d]", i))...)
	}
	return problems
}

func (s *StepDef) validate(path string) []string {
	var problems []string
	if s.Name == "" {
		problems = append(problems, path+": name is required")
	}
	switch models.StepKind(s.Kind) {
	case models.StepKindCommand:
		if s.Command == "" {
			problems = append(problems, path+": command steps require a command")
		}
		if s.Target == "" {
			problems = append(problems, path+": command steps require a target host")
		}
	case models.StepKindAPI:
		if s.Target == "" {
			problems = append(problems, path+": api steps require a target url")
		}
		if s.Method != "" && !validMethod(s.Method) {
			problems = append(problems, fmt.Sprintf("%s: unsupported method %q", path, s.Method))
		}
	default:
		problems = append(problems, fmt.Sprintf("%s: kind %q is not one of command, api", path, s.Kind))
	}
	if s.Retry.MaxAttempts < 0 {
		problems = append(problems, path+": retry.max_attempts must not be negative")
	}
	if s.TimeoutSeconds < 0 {
		problems = append(problems, path+": timeout_seconds must not be negative")
	}
	for j, ex := range s.Extract {
		if ex.Name == "" {
			problems = append(problems, fmt.Sprintf("%s.extract[%d]: name is required", path, j))
		}
		if _, err := regexp.Compile(ex.Pattern); err != nil {
			problems = append(problems, fmt.Sprintf("%s.extract[%d]: invalid pattern: %v", path, j, err))
		}
	}
	if s.Compensate != nil {
		problems = append(problems, s.Compensate.validate(path+".compensate")...)
	}
	return problems
}

func validMethod(m string) bool {
	switch strings.ToUpper(m) {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD":
		return true
	}
	return false
}

// ============================================================================
// Conversion and sync
// ============================================================================

// toSteps converts the positional step list to model steps.
func (d *Definition) toSteps() []models.Step {
	steps := make([]models.Step, 0, len(d.Steps))
	for i := range d.Steps {
		steps = append(steps, d.Steps[i].toStep(i))
	}
	return steps
}

func (s *StepDef) toStep(order int) models.Step {
	step := models.Step{
		Order:          order,
		Name:           s.Name,
		Kind:           models.StepKind(s.Kind),
		Target:         s.Target,
		AuthRef:        s.AuthRef,
		Command:        s.Command,
		Method:         strings.ToUpper(s.Method),
		Body:           s.Body,
		Headers:        s.Headers,
		ExpectedStatus: s.ExpectedStatus,
		TimeoutSeconds: s.TimeoutSeconds,
		Retry: models.RetryPolicy{
			MaxAttempts:    s.Retry.MaxAttempts,
			BackoffSeconds: s.Retry.BackoffSeconds,
			BackoffFactor:  s.Retry.BackoffFactor,
		},
	}
	for _, ex := range s.Extract {
		step.Extract = append(step.Extract, models.ExtractRule{Name: ex.Name, Pattern: ex.Pattern})
	}
	if s.Compensate != nil {
		comp := s.Compensate.toStep(order)
		step.Compensate = &comp
	}
	return step
}

// RunbookStore is the repository surface Sync needs.
type RunbookStore interface {
	List(ctx context.Context, opts models.RunbookListOptions) ([]*models.Runbook, int64, error)
	Create(ctx context.Context, rb *models.Runbook) error
	Update(ctx context.Context, rb *models.Runbook) error
}

// Sync upserts definitions into the repository, matching by name. Changed
// runbooks get a new version; unchanged ones are left alone. Invalid
// definitions fail the whole sync so a bad catalog never half-applies.
func Sync(ctx context.Context, store RunbookStore, defs []*Definition, log *logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	for _, def := range defs {
		if problems := def.Validate(); len(problems) > 0 {
			return errors.InvalidInput(fmt.Sprintf("%s: %s", def.File, strings.Join(problems, "; ")))
		}
	}

	for _, def := range defs {
		existing, err := findByName(ctx, store, def.Name)
		if err != nil {
			return err
		}

		enabled := true
		if def.Enabled != nil {
			enabled = *def.Enabled
		}

		if existing == nil {
			rb := &models.Runbook{
				Name:          def.Name,
				Description:   def.Description,
				DefaultMode:   models.ExecutionMode(def.DefaultMode),
				FailurePolicy: models.FailurePolicy(def.FailurePolicy),
				IsEnabled:     enabled,
			}
			if rb.DefaultMode == "" {
				rb.DefaultMode = models.ModeManual
			}
			if rb.FailurePolicy == "" {
				rb.FailurePolicy = models.FailurePolicyAbort
			}
			if err := rb.SetSteps(def.toSteps()); err != nil {
				return err
			}
			if err := store.Create(ctx, rb); err != nil {
				return fmt.Errorf("create runbook %q: %w", def.Name, err)
			}
			log.Info("catalog runbook created", "name", def.Name, "file", def.File)
			continue
		}

		updated := *existing
		updated.Description = def.Description
		if def.DefaultMode != "" {
			updated.DefaultMode = models.ExecutionMode(def.DefaultMode)
		}
		if def.FailurePolicy != "" {
			updated.FailurePolicy = models.FailurePolicy(def.FailurePolicy)
		}
		updated.IsEnabled = enabled
		if err := updated.SetSteps(def.toSteps()); err != nil {
			return err
		}
		if string(updated.Steps) == string(existing.Steps) &&
			updated.Description == existing.Description &&
			updated.DefaultMode == existing.DefaultMode &&
			updated.FailurePolicy == existing.FailurePolicy &&
			updated.IsEnabled == existing.IsEnabled {
			continue
		}
		if err := store.Update(ctx, &updated); err != nil {
			return fmt.Errorf("update runbook %q: %w", def.Name, err)
		}
		log.Info("catalog runbook updated",
			"name", def.Name, "version", updated.Version, "file", def.File)
	}
	return nil
}

func findByName(ctx context.Context, store RunbookStore, name string) (*models.Runbook, error) {
	rbs, _, err := store.List(ctx, models.RunbookListOptions{NameLike: &name})
	if err != nil {
		return nil, err
	}
	for _, rb := range rbs {
		if rb.Name == name {
			return rb, nil
		}
	}
	return nil, nil
}
