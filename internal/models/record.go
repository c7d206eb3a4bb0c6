// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

// Package models defines the core data types shared across the processing
// engine: the ProcessingRecord lifecycle state and the validation result
// embedded into ingestion records.
package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Status is the lifecycle state of a ProcessingRecord.
type Status string

const (
	// StatusPending means the record exists but no worker has claimed it.
	StatusPending Status = "pending"

	// StatusProcessing means a worker holds the processing claim.
	StatusProcessing Status = "processing"

	// StatusCompleted is terminal: the work finished and the result is cached.
	StatusCompleted Status = "completed"

	// StatusFailed means the last attempt failed and a retry is scheduled
	// (or the record is awaiting dead-lettering).
	StatusFailed Status = "failed"

	// StatusDeadLettered is terminal: retries are exhausted or the failure
	// was permanent. Requires operator action to resume.
	StatusDeadLettered Status = "dead_lettered"

	// StatusCancelled is terminal: the work was cancelled and cancellation
	// was configured to be final.
	StatusCancelled Status = "cancelled"
)

// String returns the status as a string.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further automatic transition is allowed.
// Terminal records only change again via the audited manual-retry override.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDeadLettered, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted,
		StatusFailed, StatusDeadLettered, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders records within a tenant's retry sweep.
// Higher values are swept first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// Clamp bounds a priority to the known range. The retry sweep only
// scans the index segments for PriorityLow through PriorityHigh, so an
// out-of-range priority must never reach the store.
func (p Priority) Clamp() Priority {
	switch {
	case p < PriorityLow:
		return PriorityLow
	case p > PriorityHigh:
		return PriorityHigh
	default:
		return p
	}
}

// ProcessingRecord is the unit of coordination state. One record exists per
// (TenantID, MessageID) dedup key; it is created exactly once on first
// sighting and mutated only through conditional updates.
type ProcessingRecord struct {
	// Identity. (TenantID, MessageID) is globally unique.
	TenantID  string `json:"tenant_id"`
	MessageID string `json:"message_id"`

	// Classification.
	MessageType string   `json:"message_type"`
	SourceTopic string   `json:"source_topic"`
	Priority    Priority `json:"priority"`

	// Lifecycle.
	Status       Status `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	MaxAttempts  int    `json:"max_attempts"`

	ReceivedAt            time.Time  `json:"received_at"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	ProcessingDurationMs  int64      `json:"processing_duration_ms,omitempty"`

	// NextRetryAt is set iff Status == StatusFailed and retries remain.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// LeaseOwner identifies the worker instance holding the Processing
	// claim. Diagnostic only; exclusivity is enforced by the store.
	LeaseOwner string `json:"lease_owner,omitempty"`

	// Diagnostics.
	ErrorMessage     string `json:"error_message,omitempty"`
	ExceptionDetails string `json:"exception_details,omitempty"`

	// MessageHash is the content fingerprint of the payload, independent of
	// MessageID. A replay carrying a different hash is rejected.
	MessageHash string `json:"message_hash,omitempty"`

	// Dead-letter fields. IsDeadLettered is true iff Status is dead_lettered.
	// DeadLetterClass distinguishes permanent failures from exhausted
	// retry budgets.
	IsDeadLettered   bool       `json:"is_dead_lettered"`
	DeadLetteredAt   *time.Time `json:"dead_lettered_at,omitempty"`
	DeadLetterReason string     `json:"dead_letter_reason,omitempty"`
	DeadLetterClass  string     `json:"dead_letter_class,omitempty"`

	// RawPayload is the original submitted payload, retained so the retry
	// sweep can re-execute without refetching from the source topic.
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`

	// ProcessingResult is the opaque result payload cached on completion and
	// returned verbatim on idempotent replay.
	ProcessingResult json.RawMessage `json:"processing_result,omitempty"`

	// Validation holds the embedded validation outcome for ingestion jobs.
	Validation *ValidationResult `json:"validation,omitempty"`
}

// Clone returns a deep-enough copy for mutation under a conditional update.
// Pointer fields holding times are re-allocated; the result and validation
// payloads are shared because mutations replace them wholesale.
func (r *ProcessingRecord) Clone() *ProcessingRecord {
	cp := *r
	if r.ProcessingStartedAt != nil {
		t := *r.ProcessingStartedAt
		cp.ProcessingStartedAt = &t
	}
	if r.ProcessingCompletedAt != nil {
		t := *r.ProcessingCompletedAt
		cp.ProcessingCompletedAt = &t
	}
	if r.NextRetryAt != nil {
		t := *r.NextRetryAt
		cp.NextRetryAt = &t
	}
	if r.DeadLetteredAt != nil {
		t := *r.DeadLetteredAt
		cp.DeadLetteredAt = &t
	}
	return &cp
}

// RetryEligible reports whether the record may still be retried
// automatically: it failed transiently and has attempt budget left.
func (r *ProcessingRecord) RetryEligible() bool {
	return r.Status == StatusFailed && r.AttemptCount < r.MaxAttempts
}

// ProcessingStale reports whether a Processing claim is older than the
// liveness window and therefore eligible for reclaim by another worker.
func (r *ProcessingRecord) ProcessingStale(now time.Time, livenessWindow time.Duration) bool {
	if r.Status != StatusProcessing || r.ProcessingStartedAt == nil {
		return false
	}
	return now.Sub(*r.ProcessingStartedAt) >= livenessWindow
}
