// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package ingestion

import (
	"strings"

	"github.com/mwhitfield/procguard/internal/models"
)

// ValidationError carries a failed validation result through the work
// execution path so its diagnostics can be embedded in the processing
// record. Validation failures are permanent; they never retry.
type ValidationError struct {
	EntityType string
	Result     models.ValidationResult
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Result.Errors) == 0 {
		return "validation failed for " + e.EntityType
	}
	return "validation failed for " + e.EntityType + ": " + strings.Join(e.Result.Errors, "; ")
}

// NewValidationError wraps a failed result for the given entity type.
func NewValidationError(entityType string, result models.ValidationResult) *ValidationError {
	return &ValidationError{EntityType: entityType, Result: result}
}
