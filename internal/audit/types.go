// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package audit

import (
	"context"
	"time"
)

// EventType identifies the category of audited action.
type EventType string

const (
	// EventManualRetry is recorded when an operator resubmits a
	// dead-lettered record for processing.
	EventManualRetry EventType = "deadletter.manual_retry"

	// EventRecordPurge is recorded when retention cleanup removes
	// terminal records.
	EventRecordPurge EventType = "record.purge"

	// EventConfigChange is recorded when runtime configuration is
	// modified through the API.
	EventConfigChange EventType = "config.change"

	// EventSweepResubmit is recorded when the retry sweeper resubmits
	// a batch of due records.
	EventSweepResubmit EventType = "sweep.resubmit"
)

// Severity indicates the importance of an audit event.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Actor identifies who performed an audited action.
type Actor struct {
	// ID is the operator identifier, or "system" for automated actions.
	ID string `json:"id"`

	// RemoteAddr is the client address for API-initiated actions.
	RemoteAddr string `json:"remote_addr,omitempty"`
}

// SystemActor is used for events generated by background services.
var SystemActor = Actor{ID: "system"}

// Event is a single audit record.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Type is the event category.
	Type EventType `json:"type"`

	// Severity indicates importance.
	Severity Severity `json:"severity"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Actor is who performed the action.
	Actor Actor `json:"actor"`

	// TenantID scopes the event to a tenant, when applicable.
	TenantID string `json:"tenant_id,omitempty"`

	// MessageID is the affected record, when applicable.
	MessageID string `json:"message_id,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Details holds event-specific structured data.
	Details map[string]any `json:"details,omitempty"`
}

// QueryFilter defines filtering options for audit queries.
type QueryFilter struct {
	// Types filters by event types. Empty matches all.
	Types []EventType `json:"types,omitempty"`

	// TenantID filters events by tenant.
	TenantID string `json:"tenant_id,omitempty"`

	// ActorID filters events by actor.
	ActorID string `json:"actor_id,omitempty"`

	// Since filters events at or after this time.
	Since time.Time `json:"since,omitempty"`

	// Until filters events before this time.
	Until time.Time `json:"until,omitempty"`

	// Limit caps the number of returned events. Zero means default.
	Limit int `json:"limit,omitempty"`

	// Offset skips this many matching events.
	Offset int `json:"offset,omitempty"`
}

func (f QueryFilter) matches(e *Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// Store persists audit events.
type Store interface {
	// Save persists an audit event.
	Save(ctx context.Context, event *Event) error

	// Query retrieves events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Count returns the number of events matching the filter.
	Count(ctx context.Context, filter QueryFilter) (int64, error)

	// Delete removes events older than the cutoff and returns how many
	// were removed.
	Delete(ctx context.Context, olderThan time.Time) (int64, error)
}
