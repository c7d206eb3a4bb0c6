// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

// Package sweeper runs the background maintenance loops: the retry
// sweep that resubmits due Failed records, and the retention purge.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/mwhitfield/procguard/internal/audit"
	"github.com/mwhitfield/procguard/internal/config"
	"github.com/mwhitfield/procguard/internal/logging"
	"github.com/mwhitfield/procguard/internal/metrics"
	"github.com/mwhitfield/procguard/internal/models"
	"github.com/mwhitfield/procguard/internal/store"
)

// ResubmitFunc re-runs one due record. Implementations typically refetch
// the original payload from the record's source topic and call the
// coordinator's Execute, which re-applies all claim checks.
type ResubmitFunc func(ctx context.Context, rec *models.ProcessingRecord) error

// Sweeper periodically resubmits due Failed records per tenant. Sweeps
// are single-flight per tenant: a tenant whose previous sweep is still
// running is skipped, never queued, so a slow sweep cannot pile up
// duplicate resubmissions.
type Sweeper struct {
	store    *store.RecordStore
	audit    *audit.Logger
	cfg      config.SweepConfig
	handlers map[string]ResubmitFunc
	fallback ResubmitFunc

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a Sweeper. Handlers are registered per message type; the
// fallback handles types without one and may be nil.
func New(s *store.RecordStore, auditLog *audit.Logger, cfg config.SweepConfig) *Sweeper {
	return &Sweeper{
		store:    s,
		audit:    auditLog,
		cfg:      cfg,
		handlers: make(map[string]ResubmitFunc),
		inflight: make(map[string]struct{}),
	}
}

// RegisterHandler routes records of the given message type to fn.
func (s *Sweeper) RegisterHandler(messageType string, fn ResubmitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[messageType] = fn
}

// SetFallback routes records with no registered handler to fn.
func (s *Sweeper) SetFallback(fn ResubmitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
}

func (s *Sweeper) handlerFor(messageType string) ResubmitFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn, ok := s.handlers[messageType]; ok {
		return fn
	}
	return s.fallback
}

// tryClaim takes the single-flight slot for a tenant.
func (s *Sweeper) tryClaim(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[tenantID]; busy {
		return false
	}
	s.inflight[tenantID] = struct{}{}
	return true
}

func (s *Sweeper) release(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, tenantID)
}

// SweepTenant runs one sweep round for a tenant and returns the number
// of records resubmitted. An overlapping sweep for the same tenant is
// skipped with a zero count.
func (s *Sweeper) SweepTenant(ctx context.Context, tenantID string) (int, error) {
	if !s.tryClaim(tenantID) {
		metrics.SweepRunsTotal.WithLabelValues("skipped_overlap").Inc()
		logging.Debug().Str("tenant_id", tenantID).Msg("Sweep already running for tenant, skipping")
		return 0, nil
	}
	defer s.release(tenantID)

	due, err := s.store.QueryReadyForRetry(ctx, tenantID, s.cfg.BatchSize)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	if len(due) == 0 {
		metrics.SweepRunsTotal.WithLabelValues("success").Inc()
		return 0, nil
	}

	resubmitted := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return resubmitted, err
		}

		fn := s.handlerFor(rec.MessageType)
		if fn == nil {
			logging.Warn().
				Str("tenant_id", tenantID).
				Str("message_id", rec.MessageID).
				Str("message_type", rec.MessageType).
				Msg("No resubmit handler for message type")
			continue
		}

		if err := fn(ctx, rec); err != nil {
			logging.Warn().
				Err(err).
				Str("tenant_id", tenantID).
				Str("message_id", rec.MessageID).
				Msg("Resubmit failed")
			continue
		}
		resubmitted++
	}

	if resubmitted > 0 {
		metrics.SweepResubmittedTotal.Add(float64(resubmitted))
		if s.audit != nil {
			s.audit.LogSweepResubmit(tenantID, resubmitted)
		}
	}
	metrics.SweepRunsTotal.WithLabelValues("success").Inc()

	logging.Debug().
		Str("tenant_id", tenantID).
		Int("due", len(due)).
		Int("resubmitted", resubmitted).
		Msg("Sweep round complete")

	return resubmitted, nil
}

// Run sweeps all tenants on the configured interval until the context
// is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", interval).Msg("Retry sweeper started")

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Retry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			tenants, err := s.store.Tenants(ctx)
			if err != nil {
				logging.Error().Err(err).Msg("Sweep tenant enumeration failed")
				continue
			}
			for _, tenant := range tenants {
				if _, err := s.SweepTenant(ctx, tenant); err != nil && ctx.Err() == nil {
					logging.Error().Err(err).Str("tenant_id", tenant).Msg("Sweep round failed")
				}
			}
		}
	}
}
