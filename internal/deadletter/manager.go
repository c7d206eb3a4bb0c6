// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

// Package deadletter manages terminal failure records: marking work
// dead after permanent failures or retry exhaustion, the operator query
// surface, and the audited manual-retry override.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mwhitfield/procguard/internal/audit"
	"github.com/mwhitfield/procguard/internal/logging"
	"github.com/mwhitfield/procguard/internal/metrics"
	"github.com/mwhitfield/procguard/internal/models"
	"github.com/mwhitfield/procguard/internal/store"
)

// Reason classes for metrics labels.
const (
	ClassPermanent = "permanent"
	ClassExhausted = "exhausted"
)

// ErrNotDeadLettered is returned when manual retry targets a record
// that is not in the dead-lettered state.
var ErrNotDeadLettered = errors.New("record is not dead-lettered")

// Manager owns the dead-letter lifecycle on top of the record store.
type Manager struct {
	store *store.RecordStore
	audit *audit.Logger
}

// NewManager creates a dead-letter manager. The audit logger may be nil
// in tests; manual retries are then unaudited.
func NewManager(s *store.RecordStore, auditLog *audit.Logger) *Manager {
	return &Manager{store: s, audit: auditLog}
}

// MarkDead transitions a record from its current non-terminal status to
// DeadLettered, stamping the reason and time. The expected status must
// match or the update fails with ErrConcurrencyConflict. Extra mutators
// run after the dead-letter stamping inside the same update, letting
// callers attach error details or validation diagnostics atomically.
func (m *Manager) MarkDead(ctx context.Context, tenantID, messageID string, expected models.Status, reason, class string, extra ...store.Mutation) (*models.ProcessingRecord, error) {
	rec, err := m.store.ConditionalUpdate(ctx, tenantID, messageID, expected, func(rec *models.ProcessingRecord) error {
		now := time.Now().UTC()
		rec.Status = models.StatusDeadLettered
		rec.IsDeadLettered = true
		rec.DeadLetteredAt = &now
		rec.DeadLetterReason = reason
		rec.DeadLetterClass = class
		rec.NextRetryAt = nil
		for _, mut := range extra {
			if err := mut(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark dead %s/%s: %w", tenantID, messageID, err)
	}

	metrics.DeadLetteredTotal.WithLabelValues(class).Inc()
	logging.Warn().
		Str("tenant_id", tenantID).
		Str("message_id", messageID).
		Str("reason", reason).
		Int("attempt_count", rec.AttemptCount).
		Msg("Record dead-lettered")

	return rec, nil
}

// List returns dead-lettered records for a tenant, filtered and paged.
func (m *Manager) List(ctx context.Context, tenantID string, filter store.ListFilter) ([]*models.ProcessingRecord, error) {
	filter.Status = models.StatusDeadLettered
	return m.store.List(ctx, tenantID, filter)
}

// ManualRetry resets a dead-lettered record to Pending with a fresh
// attempt budget. This is an explicit operator override of the attempt
// gate and is always audited.
func (m *Manager) ManualRetry(ctx context.Context, tenantID, messageID string, actor audit.Actor) (*models.ProcessingRecord, error) {
	prior, err := m.store.Get(ctx, tenantID, messageID)
	if err != nil {
		return nil, err
	}
	reason := prior.DeadLetterReason

	rec, err := m.store.ConditionalUpdate(ctx, tenantID, messageID, models.StatusDeadLettered, func(rec *models.ProcessingRecord) error {
		rec.Status = models.StatusPending
		rec.AttemptCount = 0
		rec.IsDeadLettered = false
		rec.DeadLetteredAt = nil
		rec.DeadLetterReason = ""
		rec.DeadLetterClass = ""
		rec.NextRetryAt = nil
		rec.ErrorMessage = ""
		rec.ExceptionDetails = ""
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotDeadLettered, tenantID, messageID)
		}
		return nil, err
	}

	metrics.ManualRetriesTotal.Inc()
	if m.audit != nil {
		m.audit.LogManualRetry(actor, tenantID, messageID, reason)
	}
	logging.Info().
		Str("tenant_id", tenantID).
		Str("message_id", messageID).
		Str("actor", actor.ID).
		Msg("Manual retry reset dead-lettered record to pending")

	return rec, nil
}

// Stats returns status counts and dead-letter aggregates for a tenant
// over the given window. A zero window covers all records.
func (m *Manager) Stats(ctx context.Context, tenantID string, window time.Duration) (*store.Aggregates, error) {
	agg, err := m.store.Aggregate(ctx, tenantID, window)
	if err != nil {
		return nil, err
	}
	metrics.DeadLetterDepth.Set(float64(agg.ByStatus[models.StatusDeadLettered]))
	return agg, nil
}
