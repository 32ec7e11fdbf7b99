// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

// Package validator wraps go-playground/validator with the custom
// validations the API inputs use. Field names in error maps come from
// the json tag, not the Go field name.
package validator

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Validator validates structs and single values against `validate` tags.
type Validator struct {
	v *validator.Validate
}

var (
	once     sync.Once
	instance *validator.Validate
)

// New returns a Validator backed by the shared underlying instance.
func New() *Validator {
	once.Do(func() {
		instance = validator.New()

		// Report json tag names in errors.
		instance.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		instance.RegisterValidation("cron", validateCron)
		instance.RegisterValidation("port", validatePort)
		instance.RegisterValidation("execution_mode", validateExecutionMode)
		instance.RegisterValidation("failure_policy", validateFailurePolicy)
	})
	return &Validator{v: instance}
}

// Validate validates a struct against its `validate` tags.
func (val *Validator) Validate(s any) error {
	return val.v.Struct(s)
}

// ValidateVar validates a single value against a tag expression.
func (val *Validator) ValidateVar(field any, tag string) error {
	return val.v.Var(field, tag)
}

// ValidationErrors converts a validation error into a field -> message
// map. Returns nil for a nil error. Non-validation errors map to a
// single "_error" entry.
func (val *Validator) ValidationErrors(err error) map[string]string {
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_error": err.Error()}
	}

	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = formatValidationError(fe)
	}
	return out
}

// formatValidationError renders one field error as a short human
// message without repeating the field name.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "uuid":
		return "must be a valid UUID"
	case "cron":
		return "must be a valid cron expression"
	case "port":
		return "must be a valid port (1-65535)"
	case "execution_mode":
		return "must be one of: auto, semi_auto, manual"
	case "failure_policy":
		return "must be one of: abort, continue, rollback"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// ============================================================================
// Custom validations
// ============================================================================

// validateCron accepts standard 5-field cron expressions and the
// 6-field (seconds) variant. Field syntax is checked loosely; the
// scheduler parses the expression properly before registering it.
func validateCron(fl validator.FieldLevel) bool {
	fields := strings.Fields(fl.Field().String())
	if len(fields) != 5 && len(fields) != 6 {
		return false
	}
	for _, f := range fields {
		for _, r := range f {
			switch {
			case r >= '0' && r <= '9':
			case r == '*' || r == '/' || r == '-' || r == ',' || r == '?':
			case r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z': // MON, JAN
			default:
				return false
			}
		}
	}
	return true
}

func validatePort(fl validator.FieldLevel) bool {
	port := fl.Field().Int()
	return port >= 1 && port <= 65535
}

func validateExecutionMode(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "", "auto", "semi_auto", "manual":
		return true
	}
	return false
}

func validateFailurePolicy(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "", "abort", "continue", "rollback":
		return true
	}
	return false
}

// ============================================================================
// Global convenience functions
// ============================================================================

// Validate validates a struct using the shared Validator.
func Validate(s any) error {
	return New().Validate(s)
}

// ValidateVar validates a single value using the shared Validator.
func ValidateVar(field any, tag string) error {
	return New().ValidateVar(field, tag)
}

// GetValidationErrors converts a validation error to a field -> message map.
func GetValidationErrors(err error) map[string]string {
	return New().ValidationErrors(err)
}
