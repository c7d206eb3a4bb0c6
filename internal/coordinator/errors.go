// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package coordinator

import (
	"context"
	"errors"
	"strings"
)

// ErrorCategory categorizes failures for dead-letter routing and metrics.
type ErrorCategory int

const (
	// ErrorCategoryUnknown is the default category for unclassified errors.
	ErrorCategoryUnknown ErrorCategory = iota
	// ErrorCategoryConnection indicates network or connection failures.
	ErrorCategoryConnection
	// ErrorCategoryTimeout indicates operation timeout.
	ErrorCategoryTimeout
	// ErrorCategoryValidation indicates payload validation failures.
	ErrorCategoryValidation
	// ErrorCategoryStorage indicates downstream storage failures.
	ErrorCategoryStorage
	// ErrorCategoryCapacity indicates resource capacity issues.
	ErrorCategoryCapacity
)

// String returns the string representation of the error category.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryConnection:
		return "connection"
	case ErrorCategoryTimeout:
		return "timeout"
	case ErrorCategoryValidation:
		return "validation"
	case ErrorCategoryStorage:
		return "storage"
	case ErrorCategoryCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// TransientError represents a failure that can be retried. These are
// typically environmental (network issues, timeouts, overload).
type TransientError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, cause error) *TransientError {
	return &TransientError{
		Message:  message,
		Cause:    cause,
		Category: categorizeErrorMessage(message),
	}
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// PermanentError represents a failure that must not be retried. These
// indicate unrecoverable issues (validation, malformed data) and route
// straight to the dead letter path.
type PermanentError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, cause error) *PermanentError {
	category := categorizeErrorMessage(message)
	if category == ErrorCategoryUnknown {
		category = ErrorCategoryValidation
	}
	return &PermanentError{
		Message:  message,
		Cause:    cause,
		Category: category,
	}
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *PermanentError) Unwrap() error {
	return e.Cause
}

func categorizeErrorMessage(message string) ErrorCategory {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "connection", "connect", "refused", "reset", "network"):
		return ErrorCategoryConnection
	case containsAny(lower, "timeout", "deadline", "timed out"):
		return ErrorCategoryTimeout
	case containsAny(lower, "invalid", "validation", "malformed", "parse"):
		return ErrorCategoryValidation
	case containsAny(lower, "storage", "database", "disk", "write"):
		return ErrorCategoryStorage
	case containsAny(lower, "capacity", "full", "limit", "exceeded"):
		return ErrorCategoryCapacity
	default:
		return ErrorCategoryUnknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// CategoryOf returns the failure category of err: the category carried
// by a typed TransientError or PermanentError when present, otherwise a
// best-effort classification of the error text.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}
	var trErr *TransientError
	if errors.As(err, &trErr) {
		return trErr.Category
	}
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return permErr.Category
	}
	return categorizeErrorMessage(err.Error())
}

// Classification is the retry disposition assigned to a work failure.
type Classification int

const (
	// ClassTransient failures follow the backoff policy until exhaustion.
	ClassTransient Classification = iota
	// ClassPermanent failures dead-letter immediately.
	ClassPermanent
	// ClassCancelled failures come from context cancellation and by
	// default do not consume retry budget.
	ClassCancelled
)

// String returns the metric label for the classification.
func (c Classification) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassCancelled:
		return "cancelled"
	default:
		return "transient"
	}
}

// Classifier maps a work error to its retry disposition.
type Classifier func(err error) Classification

// DefaultClassifier treats typed PermanentError as permanent, typed
// TransientError as transient even when it wraps a context error,
// context cancellation and deadline errors as cancelled, and everything
// else as transient. Unknown errors defaulting to transient keeps a
// misbehaving downstream from permanently discarding work.
func DefaultClassifier(err error) Classification {
	if IsPermanentError(err) {
		return ClassPermanent
	}
	if IsTransientError(err) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancelled
	}
	return ClassTransient
}

// IsTransientError checks if the error is typed transient.
func IsTransientError(err error) bool {
	var trErr *TransientError
	return errors.As(err, &trErr)
}

// IsPermanentError checks if the error is typed permanent.
func IsPermanentError(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}
