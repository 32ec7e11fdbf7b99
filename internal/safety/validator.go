// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package safety

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// commandPattern is one compiled deny- or allow-list entry. Entries starting
// with "re:" are regular expressions; everything else is a glob.
type commandPattern struct {
	raw string
	re  *regexp.Regexp
	g   glob.Glob
}

func (p *commandPattern) matches(command string) bool {
	if p.re != nil {
		return p.re.MatchString(command)
	}
	return p.g.Match(command)
}

// Validator performs stateless command validation: deny-list first (always
// wins), then allow-list (when non-empty, the command must match an entry).
type Validator struct {
	deny  []*commandPattern
	allow []*commandPattern
}

// NewValidator compiles deny and allow pattern lists.
func NewValidator(denyPatterns, allowPatterns []string) (*Validator, error) {
	deny, err := compilePatterns(denyPatterns)
	if err != nil {
		return nil, fmt.Errorf("deny list: %w", err)
	}
	allow, err := compilePatterns(allowPatterns)
	if err != nil {
		return nil, fmt.Errorf("allow list: %w", err)
	}
	return &Validator{deny: deny, allow: allow}, nil
}

func compilePatterns(patterns []string) ([]*commandPattern, error) {
	var out []*commandPattern
	for _, raw := range patterns {
		p := &commandPattern{raw: raw}
		if expr, ok := strings.CutPrefix(raw, "re:"); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", raw, err)
			}
			p.re = re
		} else {
			g, err := glob.Compile(raw)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", raw, err)
			}
			p.g = g
		}
		out = append(out, p)
	}
	return out, nil
}

// Validate checks a rendered command. Returns the reason the command was
// refused, or "" when it passes.
func (v *Validator) Validate(command string) string {
	for _, p := range v.deny {
		if p.matches(command) {
			return fmt.Sprintf("command matches deny pattern %q", p.raw)
		}
	}
	if len(v.allow) == 0 {
		return ""
	}
	for _, p := range v.allow {
		if p.matches(command) {
			return ""
		}
	}
	return "command matches no allow pattern"
}
