// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package ingestion

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// CanonicalRecord is the envelope produced by Transform. The Data map holds
// the normalized entity fields; the envelope carries provenance.
type CanonicalRecord struct {
	EntityType      string                 `json:"entity_type"`
	SchemaVersion   string                 `json:"schema_version"`
	SourceSystem    string                 `json:"source_system"`
	CanonicalizedAt time.Time              `json:"canonicalized_at"`
	Data            map[string]interface{} `json:"data"`
}

// Transform canonicalizes a payload that has already passed Validate.
// String fields are whitespace-trimmed, email fields lowercased, and the
// result wrapped in a provenance envelope. Transform must only be called
// for valid payloads; it returns an error for unknown entity types or
// unparseable input rather than attempting recovery, keeping its failure
// path disjoint from validation's.
func (v *Validator) Transform(entityType string, rawPayload []byte, sourceSystem string) (*CanonicalRecord, error) {
	v.mu.RLock()
	schema, ok := v.schemas[entityType]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}

	data := make(map[string]interface{}, len(payload))
	for name, value := range payload {
		if s, isStr := value.(string); isStr {
			s = strings.TrimSpace(s)
			if strings.EqualFold(name, "email") {
				s = strings.ToLower(s)
			}
			data[name] = s
			continue
		}
		data[name] = value
	}

	return &CanonicalRecord{
		EntityType:      schema.EntityType,
		SchemaVersion:   schema.SchemaVersion,
		SourceSystem:    sourceSystem,
		CanonicalizedAt: time.Now().UTC(),
		Data:            data,
	}, nil
}
