// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fr4nsys/remedia/internal/models"
	"github.com/fr4nsys/remedia/internal/pkg/errors"
)

// varPattern matches ${name}, ${name:-default} and ${name:?error}. Bare
// $name is deliberately not matched: command steps carry shell text where
// $VAR must reach the remote shell untouched.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:[-?])([^}]*))?\}`)

// varMatch is one parsed variable reference.
type varMatch struct {
	full     string
	name     string
	def      string
	required bool
	errMsg   string
}

func findVariables(value string) []varMatch {
	matches := varPattern.FindAllStringSubmatch(value, -1)
	result := make([]varMatch, 0, len(matches))
	for _, m := range matches {
		vm := varMatch{full: m[0], name: m[1]}
		switch m[2] {
		case ":-":
			vm.def = m[3]
		case ":?":
			vm.required = true
			vm.errMsg = m[3]
		}
		result = append(result, vm)
	}
	return result
}

// renderString resolves ${name} references against the execution context.
// Unknown names without a default are left untouched so shell expressions
// like ${PATH} survive rendering; ${name:?msg} on a missing variable is an
// error.
func renderString(value string, vars map[string]string) (string, error) {
	matches := findVariables(value)
	if len(matches) == 0 {
		return value, nil
	}

	result := value
	for _, m := range matches {
		v, ok := vars[m.name]
		if !ok {
			if m.required {
				msg := m.errMsg
				if msg == "" {
					msg = fmt.Sprintf("variable %s is required but not set", m.name)
				}
				return "", errors.InvalidInput(msg)
			}
			if m.def == "" {
				continue
			}
			v = m.def
		}
		result = strings.Replace(result, m.full, v, 1)
	}
	return result, nil
}

// renderStep returns a copy of the step with every templated parameter
// resolved against the context map. The original step is never mutated.
func renderStep(step *models.Step, vars map[string]string) (*models.Step, error) {
	out := *step

	var err error
	render := func(s string) string {
		if err != nil {
			return s
		}
		var r string
		if r, err = renderString(s, vars); err != nil {
			return s
		}
		return r
	}

	out.Target = render(step.Target)
	out.Command = render(step.Command)
	out.Body = render(step.Body)
	if len(step.Headers) > 0 {
		out.Headers = make(map[string]string, len(step.Headers))
		for k, v := range step.Headers {
			out.Headers[k] = render(v)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("render step %q: %w", step.Name, err)
	}
	return &out, nil
}
