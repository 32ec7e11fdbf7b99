// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package redact

import (
	"regexp"
	"strings"
	"sync"
)

// ============================================================================
// Output Redaction
// ============================================================================

// Detection reports one redacted secret occurrence.
type Detection struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// Redactor strips secrets from step output before it is persisted or
// logged. Implementations must be safe for concurrent use.
type Redactor interface {
	Redact(text string) ([]Detection, string)
}

const placeholder = "[REDACTED]"

// secretPattern pairs a detection kind with the regexp that finds it. Value
// groups are replaced, the surrounding key text is kept so output stays
// readable.
type secretPattern struct {
	kind string
	re   *regexp.Regexp
}

var builtinPatterns = []secretPattern{
	{"assignment", regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key|access[_-]?key|secret[_-]?key|private[_-]?key|client[_-]?secret|credential)s?\b\s*[=:]\s*\S+`)},
	{"bearer", regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/-]+=*`)},
	{"basic-auth-url", regexp.MustCompile(`\b[a-z][a-z0-9+.-]*://[^/\s:@]+:[^@\s]+@`)},
	{"aws-access-key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"pem-block", regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)},
}

// PatternRedactor is the default Redactor: a fixed set of secret-shaped
// regexps plus optional literal strings (e.g. resolved credentials known to
// the caller).
type PatternRedactor struct {
	patterns []secretPattern

	mu       sync.RWMutex
	literals []string
}

// New creates a PatternRedactor with the built-in pattern set.
func New(extraLiterals ...string) *PatternRedactor {
	lits := make([]string, 0, len(extraLiterals))
	for _, l := range extraLiterals {
		if l != "" {
			lits = append(lits, l)
		}
	}
	return &PatternRedactor{patterns: builtinPatterns, literals: lits}
}

// Redact replaces every secret occurrence with "[REDACTED]" and reports
// what was found.
func (r *PatternRedactor) Redact(text string) ([]Detection, string) {
	if text == "" {
		return nil, text
	}

	var detections []Detection
	for _, p := range r.patterns {
		n := 0
		text = p.re.ReplaceAllStringFunc(text, func(string) string {
			n++
			return placeholder
		})
		if n > 0 {
			detections = append(detections, Detection{Kind: p.kind, Count: n})
		}
	}

	r.mu.RLock()
	lits := r.literals
	r.mu.RUnlock()
	for _, lit := range lits {
		if n := strings.Count(text, lit); n > 0 {
			text = strings.ReplaceAll(text, lit, placeholder)
			detections = append(detections, Detection{Kind: "literal", Count: n})
		}
	}
	return detections, text
}

// Register adds literal secrets learned after construction, such as
// credentials resolved per execution. Duplicates are ignored.
func (r *PatternRedactor) Register(literals ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range literals {
		if l == "" {
			continue
		}
		known := false
		for _, existing := range r.literals {
			if existing == l {
				known = true
				break
			}
		}
		if !known {
			r.literals = append(r.literals, l)
		}
	}
}

// Nop returns a Redactor that passes text through unchanged. Tests only.
func Nop() Redactor { return nopRedactor{} }

type nopRedactor struct{}

func (nopRedactor) Redact(text string) ([]Detection, string) { return nil, text }
