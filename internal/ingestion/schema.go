// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

// Package ingestion validates, fingerprints, and canonicalizes
// payload-bearing units of work before they mutate downstream state.
// Validation and transformation never share a failure path: Transform is
// only reachable after Validate reports a valid payload.
package ingestion

import (
	"fmt"
	"time"

	"github.com/mwhitfield/procguard/internal/validation"
)

// FieldSpec describes one required field of an entity schema.
type FieldSpec struct {
	// Name is the JSON field name.
	Name string

	// FormatTag is an optional go-playground/validator tag applied to the
	// field value ("email", "datetime=2006-01-02T15:04:05Z07:00", ...).
	// Empty means presence is the only check.
	FormatTag string
}

// ConsistencyRule is a cross-field check over a parsed payload. Rules
// involving absent fields fail, so missing data degrades the consistency
// sub-score as well as completeness.
type ConsistencyRule struct {
	Name     string
	Involves []string
	Check    func(payload map[string]interface{}) bool
}

// Schema describes the validation contract for one entity type.
type Schema struct {
	EntityType    string
	SchemaVersion string
	Required      []FieldSpec
	Rules         []ConsistencyRule
}

// rfc3339Tag is the validator tag for RFC3339 timestamps.
const rfc3339Tag = "datetime=2006-01-02T15:04:05Z07:00"

// builtinSchemas covers the entity types procguard ingests out of the box:
// CDM contact and organization records, and certificate-rotation jobs.
// Additional schemas register via Validator.Register.
func builtinSchemas() map[string]*Schema {
	return map[string]*Schema{
		"contact": {
			EntityType:    "contact",
			SchemaVersion: "1.0",
			Required: []FieldSpec{
				{Name: "contactId"},
				{Name: "firstName"},
				{Name: "lastName"},
				{Name: "email", FormatTag: "email"},
				{Name: "phone"},
				{Name: "addressLine1"},
				{Name: "city"},
				{Name: "country"},
				{Name: "createdOn", FormatTag: rfc3339Tag},
				{Name: "modifiedOn", FormatTag: rfc3339Tag},
			},
			Rules: []ConsistencyRule{
				{
					Name:     "created_before_modified",
					Involves: []string{"createdOn", "modifiedOn"},
					Check:    timeOrdered("createdOn", "modifiedOn"),
				},
			},
		},
		"organization": {
			EntityType:    "organization",
			SchemaVersion: "1.0",
			Required: []FieldSpec{
				{Name: "organizationId"},
				{Name: "name"},
				{Name: "domain", FormatTag: "fqdn"},
				{Name: "industry"},
				{Name: "country"},
				{Name: "createdOn", FormatTag: rfc3339Tag},
			},
			Rules: nil,
		},
		"certificate": {
			EntityType:    "certificate",
			SchemaVersion: "1.0",
			Required: []FieldSpec{
				{Name: "certificateId"},
				{Name: "commonName", FormatTag: "fqdn"},
				{Name: "thumbprint"},
				{Name: "notBefore", FormatTag: rfc3339Tag},
				{Name: "notAfter", FormatTag: rfc3339Tag},
				{Name: "keyVaultRef"},
			},
			Rules: []ConsistencyRule{
				{
					Name:     "validity_window_ordered",
					Involves: []string{"notBefore", "notAfter"},
					Check:    timeOrdered("notBefore", "notAfter"),
				},
			},
		},
	}
}

// timeOrdered returns a rule check asserting payload[a] <= payload[b] as
// RFC3339 timestamps. Unparseable or missing values fail the rule.
func timeOrdered(a, b string) func(map[string]interface{}) bool {
	return func(payload map[string]interface{}) bool {
		ta, okA := parseTime(payload[a])
		tb, okB := parseTime(payload[b])
		return okA && okB && !ta.After(tb)
	}
}

func parseTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// checkFormat applies a FieldSpec's format tag to a present value using the
// shared validator singleton.
func checkFormat(spec FieldSpec, value interface{}) error {
	if spec.FormatTag == "" {
		return nil
	}
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s must be a string", spec.Name)
	}
	if err := validation.GetValidator().Var(s, spec.FormatTag); err != nil {
		return fmt.Errorf("%s has invalid format", spec.Name)
	}
	return nil
}
