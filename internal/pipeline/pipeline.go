// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

// Package pipeline connects payload ingestion to the coordinator: each
// submission validates, transforms, and canonicalizes its payload as
// the unit of work executed at most once per processing round.
package pipeline

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/mwhitfield/procguard/internal/coordinator"
	"github.com/mwhitfield/procguard/internal/ingestion"
	"github.com/mwhitfield/procguard/internal/models"
)

// Submission is one inbound ingestion request.
type Submission struct {
	TenantID     string
	MessageID    string
	EntityType   string
	SourceTopic  string
	SourceSystem string
	Priority     models.Priority
	Payload      json.RawMessage
}

// Pipeline runs ingestion submissions through the coordinator with a
// validate-then-transform work function.
type Pipeline struct {
	validator *ingestion.Validator
	engine    *coordinator.Coordinator
}

// New creates a Pipeline.
func New(validator *ingestion.Validator, engine *coordinator.Coordinator) *Pipeline {
	return &Pipeline{validator: validator, engine: engine}
}

// Submit executes one submission. Validation failures are permanent:
// the record dead-letters with the validation diagnostics embedded.
// Valid payloads canonicalize into the cached processing result.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (coordinator.Outcome, error) {
	return p.engine.Execute(ctx, coordinator.ExecuteRequest{
		TenantID:    sub.TenantID,
		MessageID:   sub.MessageID,
		MessageType: sub.EntityType,
		SourceTopic: sub.SourceTopic,
		Priority:    sub.Priority,
		Payload:     sub.Payload,
		Work:        p.workFor(sub.EntityType, sub.SourceSystem),
	})
}

// Resubmit re-executes a record from its stored payload. Used by the
// retry sweep; the coordinator re-applies all claim checks, so a record
// that became ineligible since the sweep query is rejected, not re-run.
func (p *Pipeline) Resubmit(ctx context.Context, rec *models.ProcessingRecord) error {
	if len(rec.RawPayload) == 0 {
		return fmt.Errorf("record %s/%s has no stored payload", rec.TenantID, rec.MessageID)
	}

	outcome, err := p.engine.Execute(ctx, coordinator.ExecuteRequest{
		TenantID:    rec.TenantID,
		MessageID:   rec.MessageID,
		MessageType: rec.MessageType,
		SourceTopic: rec.SourceTopic,
		Priority:    rec.Priority,
		Payload:     rec.RawPayload,
		Work:        p.workFor(rec.MessageType, rec.SourceTopic),
	})
	if err != nil {
		return err
	}
	if outcome.Kind == coordinator.OutcomeRejected {
		return fmt.Errorf("resubmit rejected: %s", outcome.Reason)
	}
	return nil
}

func (p *Pipeline) workFor(entityType, sourceSystem string) coordinator.WorkFunc {
	return func(ctx context.Context, payload []byte) (*coordinator.WorkResult, error) {
		result := p.validator.Validate(entityType, payload, "")
		if !result.IsValid {
			// Permanent: a payload that fails its schema will fail it on
			// every retry. The wrapped ValidationError carries the
			// diagnostics onto the dead-lettered record.
			return nil, coordinator.NewPermanentError("payload validation failed",
				ingestion.NewValidationError(entityType, result))
		}

		canonical, err := p.validator.Transform(entityType, payload, sourceSystem)
		if err != nil {
			return nil, coordinator.NewTransientError("transform failed", err)
		}

		encoded, err := json.Marshal(canonical)
		if err != nil {
			return nil, coordinator.NewTransientError("encode canonical record", err)
		}

		return &coordinator.WorkResult{
			Payload:    encoded,
			Validation: &result,
		}, nil
	}
}
