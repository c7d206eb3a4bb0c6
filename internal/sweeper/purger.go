// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package sweeper

import (
	"context"
	"time"

	"github.com/mwhitfield/procguard/internal/audit"
	"github.com/mwhitfield/procguard/internal/config"
	"github.com/mwhitfield/procguard/internal/logging"
	"github.com/mwhitfield/procguard/internal/store"
)

// Purger applies the retention policy: terminal records older than
// their cutoff are deleted, then value log space is reclaimed.
type Purger struct {
	store    *store.RecordStore
	audit    *audit.Logger
	interval time.Duration

	retention   time.Duration
	dlRetention time.Duration
}

// NewPurger creates a Purger from the engine retention settings. When
// the dead letter queue is disabled, dead-lettered records age out on
// the normal retention schedule instead of the longer one.
func NewPurger(s *store.RecordStore, auditLog *audit.Logger, engine config.EngineConfig, sweep config.SweepConfig) *Purger {
	retention := time.Duration(engine.RetentionDays) * 24 * time.Hour
	dlRetention := time.Duration(engine.DeadLetterRetentionDays) * 24 * time.Hour
	if !engine.EnableDeadLetterQueue {
		dlRetention = retention
	}

	interval := sweep.PurgeInterval
	if interval <= 0 {
		interval = time.Hour
	}

	return &Purger{
		store:       s,
		audit:       auditLog,
		interval:    interval,
		retention:   retention,
		dlRetention: dlRetention,
	}
}

// PurgeAll runs one retention pass over every tenant and returns the
// total number of records removed.
func (p *Purger) PurgeAll(ctx context.Context) (int, error) {
	tenants, err := p.store.Tenants(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, tenant := range tenants {
		removed, err := p.store.Purge(ctx, tenant, p.retention, p.dlRetention)
		if err != nil {
			logging.Error().Err(err).Str("tenant_id", tenant).Msg("Purge failed for tenant")
			continue
		}
		if removed > 0 {
			total += removed
			if p.audit != nil {
				p.audit.LogPurge(tenant, removed)
			}
		}
	}
	return total, nil
}

// Run applies retention on the configured interval until the context is
// cancelled. Each pass ends with a value log GC cycle.
func (p *Purger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	logging.Info().
		Dur("interval", p.interval).
		Dur("retention", p.retention).
		Dur("dead_letter_retention", p.dlRetention).
		Msg("Retention purger started")

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Retention purger stopped")
			return ctx.Err()
		case <-ticker.C:
			removed, err := p.PurgeAll(ctx)
			if err != nil && ctx.Err() == nil {
				logging.Error().Err(err).Msg("Retention pass failed")
				continue
			}
			if removed > 0 {
				logging.Info().Int("removed", removed).Msg("Retention pass removed records")
			}
			if err := p.store.RunGC(); err != nil {
				logging.Debug().Err(err).Msg("Value log GC cycle ended")
			}
		}
	}
}
