// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package models

// ValidationResult is the transient outcome of validating an ingestion
// payload. It is never persisted on its own; for ingestion jobs it is
// embedded into the owning ProcessingRecord's diagnostics.
type ValidationResult struct {
	IsValid       bool     `json:"is_valid"`
	Errors        []string `json:"errors,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	SchemaVersion string   `json:"schema_version,omitempty"`

	// QualityScore is a 0-100 composite of the sub-scores below. It flags
	// low-quality-but-valid payloads; it never gates acceptance.
	QualityScore float64 `json:"quality_score"`

	Completeness float64 `json:"completeness"`
	Accuracy     float64 `json:"accuracy"`
	Consistency  float64 `json:"consistency"`
}

// AddError records a validation error and marks the result invalid.
func (v *ValidationResult) AddError(msg string) {
	v.IsValid = false
	v.Errors = append(v.Errors, msg)
}

// AddWarning records a non-fatal quality finding.
func (v *ValidationResult) AddWarning(msg string) {
	v.Warnings = append(v.Warnings, msg)
}
