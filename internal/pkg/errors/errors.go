// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

// Package errors provides structured application errors with codes,
// HTTP status mapping, and the remediation-domain error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeValidation       = "VALIDATION"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeTimeout          = "TIMEOUT"
	CodeInternal         = "INTERNAL"
	CodeUnavailable      = "UNAVAILABLE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeLimitExceeded    = "LIMIT_EXCEEDED"

	// Remediation domain codes.
	CodeSafetyBlocked = "SAFETY_BLOCKED"
	CodeCredential    = "CREDENTIAL"
	CodeStepFailed    = "STEP_FAILED"
	CodeRollback      = "ROLLBACK"
)

// Sentinel errors for quick comparison with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidInput       = errors.New("invalid input")
	ErrValidation         = errors.New("validation failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInternal           = errors.New("internal error")
	ErrTimeout            = errors.New("timeout")
	ErrConflict           = errors.New("conflict")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrRateLimited        = errors.New("rate limited")
	ErrNotSupported       = errors.New("not supported")
)

// AppError is the structured error carried through service and API layers.
type AppError struct {
	Code       string
	Message    string
	Err        error
	HTTPStatus int
	Details    map[string]interface{}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error, if any.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails replaces the details map.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// WithDetail sets a single detail entry, initializing the map if needed.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithHTTPStatus overrides the HTTP status.
func (e *AppError) WithHTTPStatus(status int) *AppError {
	e.HTTPStatus = status
	return e
}

// New creates an AppError with the given code and message.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: http.StatusInternalServerError}
}

// NewWithStatus creates an AppError with an explicit HTTP status.
func NewWithStatus(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// Newf creates an AppError with a formatted message.
func Newf(code, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an error with a code and message.
func Wrap(err error, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err, HTTPStatus: http.StatusInternalServerError}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// WrapWithStatus wraps an error with an explicit HTTP status.
func WrapWithStatus(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Err: err, HTTPStatus: status}
}

// ============================================================================
// Convenience constructors
// ============================================================================

// NotFound creates a NOT_FOUND error for a resource.
func NotFound(resource string) *AppError {
	return NewWithStatus(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// AlreadyExists creates a CONFLICT error for a duplicate resource.
func AlreadyExists(resource string) *AppError {
	return NewWithStatus(CodeConflict, fmt.Sprintf("%s already exists", resource), http.StatusConflict)
}

// InvalidInput creates a BAD_REQUEST error.
func InvalidInput(message string) *AppError {
	return NewWithStatus(CodeBadRequest, message, http.StatusBadRequest)
}

// Unauthorized creates an UNAUTHORIZED error.
func Unauthorized(message string) *AppError {
	return NewWithStatus(CodeUnauthorized, message, http.StatusUnauthorized)
}

// Forbidden creates a FORBIDDEN error.
func Forbidden(message string) *AppError {
	return NewWithStatus(CodeForbidden, message, http.StatusForbidden)
}

// Internal creates an INTERNAL error.
func Internal(message string) *AppError {
	return NewWithStatus(CodeInternal, message, http.StatusInternalServerError)
}

// LimitExceeded creates a LIMIT_EXCEEDED error with resource details.
func LimitExceeded(resource string, current, limit int) *AppError {
	return NewWithStatus(CodeLimitExceeded,
		fmt.Sprintf("%s limit reached (%d/%d). Upgrade the configured limit or wait for capacity.", resource, current, limit),
		http.StatusTooManyRequests).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

// ValidationFailed creates a VALIDATION_FAILED error carrying per-field messages.
func ValidationFailed(fields map[string]string) *AppError {
	ae := NewWithStatus(CodeValidationFailed, "validation failed", http.StatusBadRequest)
	for k, v := range fields {
		ae.WithDetail(k, v)
	}
	return ae
}

// ============================================================================
// Domain errors — runbook execution taxonomy
// ============================================================================

// SafetyBlockedError indicates an execution was denied by a safety check
// before any remediation side effect was attempted.
type SafetyBlockedError struct {
	*AppError
	// Check names the gate that denied: blackout, rate_limit,
	// circuit_breaker, or command_validation.
	Check string
}

// NewSafetyBlockedError creates a SafetyBlockedError for a failing check.
func NewSafetyBlockedError(check, reason string) *SafetyBlockedError {
	return &SafetyBlockedError{
		AppError: NewWithStatus(CodeSafetyBlocked, reason, http.StatusConflict).
			WithDetail("check", check),
		Check: check,
	}
}

// CredentialError indicates target credential resolution failed.
// Fatal to the execution.
type CredentialError struct {
	*AppError
}

// NewCredentialError wraps a credential resolution failure.
func NewCredentialError(target string, err error) *CredentialError {
	return &CredentialError{
		AppError: WrapWithStatus(err, CodeCredential,
			fmt.Sprintf("resolve credentials for %s", target), http.StatusBadGateway),
	}
}

// StepExecutionError indicates a step failed after its retries were exhausted.
type StepExecutionError struct {
	*AppError
	StepIndex int
	Attempts  int
}

// NewStepExecutionError wraps a terminal step failure.
func NewStepExecutionError(stepIndex, attempts int, err error) *StepExecutionError {
	return &StepExecutionError{
		AppError: Wrapf(err, CodeStepFailed, "step %d failed after %d attempts", stepIndex, attempts).
			WithDetail("step_index", stepIndex).
			WithDetail("attempts", attempts),
		StepIndex: stepIndex,
		Attempts:  attempts,
	}
}

// RollbackError indicates a compensating step failed. It is recorded but
// never overwrites the original failure outcome.
type RollbackError struct {
	*AppError
	StepIndex int
}

// NewRollbackError wraps a compensating-step failure.
func NewRollbackError(stepIndex int, err error) *RollbackError {
	return &RollbackError{
		AppError:  Wrapf(err, CodeRollback, "rollback of step %d failed", stepIndex),
		StepIndex: stepIndex,
	}
}

// Unwrap exposes the embedded AppError so errors.As and HTTPStatusCode
// see it in the chain.
func (e *SafetyBlockedError) Unwrap() error { return e.AppError }

func (e *CredentialError) Unwrap() error { return e.AppError }

func (e *StepExecutionError) Unwrap() error { return e.AppError }

func (e *RollbackError) Unwrap() error { return e.AppError }

// IsSafetyBlocked reports whether err is a safety gate denial.
func IsSafetyBlocked(err error) bool {
	var sbe *SafetyBlockedError
	if errors.As(err, &sbe) {
		return true
	}
	var ae *AppError
	return errors.As(err, &ae) && ae.Code == CodeSafetyBlocked
}

// IsCredentialError reports whether err is a credential resolution failure.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	if errors.As(err, &ce) {
		return true
	}
	var ae *AppError
	return errors.As(err, &ae) && ae.Code == CodeCredential
}

// IsStepExecutionError reports whether err is an exhausted-retries step failure.
func IsStepExecutionError(err error) bool {
	var se *StepExecutionError
	if errors.As(err, &se) {
		return true
	}
	var ae *AppError
	return errors.As(err, &ae) && ae.Code == CodeStepFailed
}

// ============================================================================
// Typed errors
// ============================================================================

// NotFoundError is a typed NOT_FOUND error.
type NotFoundError struct{ *AppError }

// NewNotFoundError creates a typed not-found error.
func NewNotFoundError(resource string) *NotFoundError {
	return &NotFoundError{AppError: NotFound(resource)}
}

// AlreadyExistsError is a typed CONFLICT error for duplicates.
type AlreadyExistsError struct{ *AppError }

// NewAlreadyExistsError creates a typed duplicate error.
func NewAlreadyExistsError(resource string) *AlreadyExistsError {
	return &AlreadyExistsError{AppError: AlreadyExists(resource)}
}

// ValidationError is a typed validation error.
type ValidationError struct{ *AppError }

// NewValidationError creates a typed validation error.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{AppError: NewWithStatus(CodeValidationFailed, message, http.StatusBadRequest)}
}

// UnauthorizedError is a typed UNAUTHORIZED error.
type UnauthorizedError struct{ *AppError }

// NewUnauthorizedError creates a typed unauthorized error.
func NewUnauthorizedError(message string) *UnauthorizedError {
	return &UnauthorizedError{AppError: Unauthorized(message)}
}

// ForbiddenError is a typed FORBIDDEN error.
type ForbiddenError struct{ *AppError }

// NewForbiddenError creates a typed forbidden error.
func NewForbiddenError(message string) *ForbiddenError {
	return &ForbiddenError{AppError: Forbidden(message)}
}

// ConflictError is a typed CONFLICT error.
type ConflictError struct{ *AppError }

// NewConflictError creates a typed conflict error.
func NewConflictError(message string) *ConflictError {
	return &ConflictError{AppError: NewWithStatus(CodeConflict, message, http.StatusConflict)}
}

// InternalError is a typed INTERNAL error.
type InternalError struct{ *AppError }

// NewInternalError creates a typed internal error.
func NewInternalError(message string) *InternalError {
	return &InternalError{AppError: Internal(message)}
}

func (e *NotFoundError) Unwrap() error      { return e.AppError }
func (e *AlreadyExistsError) Unwrap() error { return e.AppError }
func (e *ValidationError) Unwrap() error    { return e.AppError }
func (e *UnauthorizedError) Unwrap() error  { return e.AppError }
func (e *ForbiddenError) Unwrap() error     { return e.AppError }
func (e *ConflictError) Unwrap() error      { return e.AppError }
func (e *InternalError) Unwrap() error      { return e.AppError }

// ============================================================================
// Inspection helpers
// ============================================================================

// GetAppError extracts an AppError from an error chain.
func GetAppError(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// HTTPStatusCode maps an error to an HTTP status code.
func HTTPStatusCode(err error) int {
	if ae, ok := GetAppError(err); ok {
		return ae.HTTPStatus
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// IsNotFoundError reports whether err represents a missing resource.
func IsNotFoundError(err error) bool {
	var nfe *NotFoundError
	if errors.As(err, &nfe) {
		return true
	}
	if ae, ok := GetAppError(err); ok && ae.Code == CodeNotFound {
		return true
	}
	return errors.Is(err, ErrNotFound)
}

// IsConflictError reports whether err represents a conflict or duplicate.
func IsConflictError(err error) bool {
	var aee *AlreadyExistsError
	var ce *ConflictError
	if errors.As(err, &aee) || errors.As(err, &ce) {
		return true
	}
	if ae, ok := GetAppError(err); ok && ae.Code == CodeConflict {
		return true
	}
	return errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrConflict)
}

// IsValidationError reports whether err represents invalid input.
func IsValidationError(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	if ae, ok := GetAppError(err); ok {
		if ae.Code == CodeBadRequest || ae.Code == CodeValidation || ae.Code == CodeValidationFailed {
			return true
		}
	}
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidInput)
}

// IsUnauthorizedError reports whether err represents missing authentication.
func IsUnauthorizedError(err error) bool {
	var ue *UnauthorizedError
	if errors.As(err, &ue) {
		return true
	}
	if ae, ok := GetAppError(err); ok && ae.Code == CodeUnauthorized {
		return true
	}
	return errors.Is(err, ErrUnauthorized)
}

// IsForbiddenError reports whether err represents denied access.
func IsForbiddenError(err error) bool {
	var fe *ForbiddenError
	if errors.As(err, &fe) {
		return true
	}
	if ae, ok := GetAppError(err); ok && ae.Code == CodeForbidden {
		return true
	}
	return errors.Is(err, ErrForbidden)
}

// Is delegates to errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As delegates to errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
