// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package ingestion

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/mwhitfield/procguard/internal/metrics"
	"github.com/mwhitfield/procguard/internal/models"
)

// Weights is the sub-score weighting policy. The default weighs
// completeness, accuracy, and consistency equally.
type Weights struct {
	Completeness float64
	Accuracy     float64
	Consistency  float64
}

// DefaultWeights returns the equal-weighted policy.
func DefaultWeights() Weights {
	return Weights{Completeness: 1, Accuracy: 1, Consistency: 1}
}

func (w Weights) sum() float64 {
	return w.Completeness + w.Accuracy + w.Consistency
}

// Validator performs schema and quality validation for ingestion payloads.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*Schema

	weights Weights

	// qualityThreshold flags valid payloads scoring below it. Flagging adds
	// a warning; it never rejects.
	qualityThreshold float64
}

// Option configures a Validator.
type Option func(*Validator)

// WithWeights overrides the default equal sub-score weighting.
func WithWeights(w Weights) Option {
	return func(v *Validator) {
		if w.sum() > 0 {
			v.weights = w
		}
	}
}

// WithQualityThreshold sets the score below which valid payloads are
// flagged with a low-quality warning.
func WithQualityThreshold(threshold float64) Option {
	return func(v *Validator) {
		v.qualityThreshold = threshold
	}
}

// NewValidator creates a Validator with the built-in entity schemas.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		schemas:          builtinSchemas(),
		weights:          DefaultWeights(),
		qualityThreshold: 80,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Register adds or replaces a schema for an entity type.
func (v *Validator) Register(schema *Schema) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[schema.EntityType] = schema
}

// Validate checks rawPayload against the entity type's schema and scores
// its quality. A structurally malformed payload yields IsValid=false and
// QualityScore=0. A valid payload is never rejected for low quality; it is
// flagged with a warning when the score falls below the threshold.
func (v *Validator) Validate(entityType string, rawPayload []byte, schemaVersion string) models.ValidationResult {
	v.mu.RLock()
	schema, ok := v.schemas[entityType]
	v.mu.RUnlock()

	if !ok {
		res := models.ValidationResult{SchemaVersion: schemaVersion}
		res.AddError(fmt.Sprintf("unknown entity type %q", entityType))
		metrics.ValidationFailuresTotal.WithLabelValues(entityType).Inc()
		return res
	}

	result := models.ValidationResult{
		IsValid:       true,
		SchemaVersion: schema.SchemaVersion,
	}
	if schemaVersion != "" && schemaVersion != schema.SchemaVersion {
		result.AddWarning(fmt.Sprintf("schema version %q requested, validating against %q",
			schemaVersion, schema.SchemaVersion))
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		result.AddError(fmt.Sprintf("malformed payload: %v", err))
		result.QualityScore = 0
		metrics.ValidationFailuresTotal.WithLabelValues(entityType).Inc()
		return result
	}

	v.score(schema, payload, &result)

	if !result.IsValid {
		metrics.ValidationFailuresTotal.WithLabelValues(entityType).Inc()
	}
	metrics.ValidationQualityScore.Observe(result.QualityScore)
	return result
}

// score computes the three sub-scores over the schema's required fields.
// A missing required field degrades every sub-score it participates in:
// completeness directly, accuracy because an absent value cannot pass its
// format check, and consistency through any rule that involves it.
func (v *Validator) score(schema *Schema, payload map[string]interface{}, result *models.ValidationResult) {
	required := len(schema.Required)
	if required == 0 {
		result.Completeness, result.Accuracy, result.Consistency = 100, 100, 100
		result.QualityScore = 100
		return
	}

	var present, accurate int
	for _, spec := range schema.Required {
		value, ok := payload[spec.Name]
		if !ok || value == nil || value == "" {
			result.AddError(fmt.Sprintf("required field %s is missing", spec.Name))
			continue
		}
		present++

		if err := checkFormat(spec, value); err != nil {
			result.AddError(err.Error())
			continue
		}
		accurate++
	}

	result.Completeness = 100 * float64(present) / float64(required)
	result.Accuracy = 100 * float64(accurate) / float64(required)

	if len(schema.Rules) == 0 {
		result.Consistency = result.Completeness
	} else {
		consistent := 0
		for _, rule := range schema.Rules {
			if rule.Check(payload) {
				consistent++
			} else {
				result.AddWarning(fmt.Sprintf("consistency rule %s failed", rule.Name))
			}
		}
		result.Consistency = 100 * float64(consistent) / float64(len(schema.Rules))
	}

	w := v.weights
	result.QualityScore = (result.Completeness*w.Completeness +
		result.Accuracy*w.Accuracy +
		result.Consistency*w.Consistency) / w.sum()

	if result.IsValid && result.QualityScore < v.qualityThreshold {
		result.AddWarning(fmt.Sprintf("quality score %.1f below threshold %.1f",
			result.QualityScore, v.qualityThreshold))
	}
}
