// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package deadletter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mwhitfield/procguard/internal/audit"
	"github.com/mwhitfield/procguard/internal/models"
	"github.com/mwhitfield/procguard/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.RecordStore, *audit.Logger) {
	t.Helper()

	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	auditLog := audit.NewLogger(audit.NewBadgerStore(s.DB()), nil)
	t.Cleanup(func() { _ = auditLog.Close() })

	return NewManager(s, auditLog), s, auditLog
}

// seedProcessing creates a record and walks it to Processing so MarkDead
// has a claim to finalize.
func seedProcessing(t *testing.T, s *store.RecordStore, tenant, id string) {
	t.Helper()
	ctx := context.Background()

	_, _, err := s.TryCreate(ctx, tenant, id, store.CreateParams{
		MessageType: "contact",
		SourceTopic: "crm.contacts",
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("TryCreate %s: %v", id, err)
	}
	_, err = s.ConditionalUpdate(ctx, tenant, id, models.StatusPending, func(r *models.ProcessingRecord) error {
		now := time.Now().UTC()
		r.Status = models.StatusProcessing
		r.AttemptCount = 3
		r.ProcessingStartedAt = &now
		return nil
	})
	if err != nil {
		t.Fatalf("seed processing %s: %v", id, err)
	}
}

func TestMarkDead(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	seedProcessing(t, s, "tenant-a", "msg-1")

	rec, err := m.MarkDead(ctx, "tenant-a", "msg-1", models.StatusProcessing,
		"retry budget exhausted after 3 attempts: boom", ClassExhausted,
		func(r *models.ProcessingRecord) error {
			r.ErrorMessage = "boom"
			return nil
		})
	if err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	if rec.Status != models.StatusDeadLettered || !rec.IsDeadLettered {
		t.Errorf("status = %s dead=%v, want dead_lettered", rec.Status, rec.IsDeadLettered)
	}
	if rec.DeadLetteredAt == nil {
		t.Error("DeadLetteredAt not stamped")
	}
	if rec.DeadLetterClass != ClassExhausted {
		t.Errorf("class = %q, want %q", rec.DeadLetterClass, ClassExhausted)
	}
	if rec.ErrorMessage != "boom" {
		t.Error("extra mutator not applied in the same update")
	}
	if rec.NextRetryAt != nil {
		t.Error("dead-lettered record still has NextRetryAt")
	}

	t.Run("wrong expected status conflicts", func(t *testing.T) {
		_, err := m.MarkDead(ctx, "tenant-a", "msg-1", models.StatusProcessing, "again", ClassPermanent)
		if !errors.Is(err, store.ErrConcurrencyConflict) {
			t.Errorf("err = %v, want ErrConcurrencyConflict", err)
		}
	})
}

func TestListFiltersToDeadLettered(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedProcessing(t, s, "tenant-a", fmt.Sprintf("dead-%d", i))
		if _, err := m.MarkDead(ctx, "tenant-a", fmt.Sprintf("dead-%d", i),
			models.StatusProcessing, "schema rejected", ClassPermanent); err != nil {
			t.Fatalf("MarkDead: %v", err)
		}
	}
	// A live record that must not show up even if the filter asks for it.
	_, _, err := s.TryCreate(ctx, "tenant-a", "alive-1", store.CreateParams{MessageType: "contact", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("TryCreate: %v", err)
	}

	recs, err := m.List(ctx, "tenant-a", store.ListFilter{Status: models.StatusPending})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("List returned %d records, want 3 dead-lettered only", len(recs))
	}
	for _, rec := range recs {
		if rec.Status != models.StatusDeadLettered {
			t.Errorf("record %s has status %s", rec.MessageID, rec.Status)
		}
	}

	t.Run("reason substring", func(t *testing.T) {
		recs, err := m.List(ctx, "tenant-a", store.ListFilter{ReasonSubstr: "schema"})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(recs) != 3 {
			t.Errorf("got %d, want 3", len(recs))
		}
		recs, err = m.List(ctx, "tenant-a", store.ListFilter{ReasonSubstr: "nomatch"})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(recs) != 0 {
			t.Errorf("got %d, want 0", len(recs))
		}
	})
}

func TestManualRetry(t *testing.T) {
	m, s, auditLog := newTestManager(t)
	ctx := context.Background()

	seedProcessing(t, s, "tenant-a", "msg-2")
	if _, err := m.MarkDead(ctx, "tenant-a", "msg-2", models.StatusProcessing, "boom", ClassExhausted); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	rec, err := m.ManualRetry(ctx, "tenant-a", "msg-2", audit.Actor{ID: "operator-7", RemoteAddr: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ManualRetry: %v", err)
	}
	if rec.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", rec.Status)
	}
	if rec.AttemptCount != 0 {
		t.Errorf("attemptCount = %d, want 0", rec.AttemptCount)
	}
	if rec.IsDeadLettered || rec.DeadLetteredAt != nil || rec.DeadLetterReason != "" || rec.DeadLetterClass != "" {
		t.Error("dead-letter fields not cleared")
	}
	if rec.ErrorMessage != "" || rec.ExceptionDetails != "" {
		t.Error("error diagnostics not cleared")
	}

	// The override is audited with the prior reason and the actor.
	if err := auditLog.Close(); err != nil {
		t.Fatalf("close audit logger: %v", err)
	}
	events, err := auditLog.Query(ctx, audit.QueryFilter{Types: []audit.EventType{audit.EventManualRetry}})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(events))
	}
	if events[0].Actor.ID != "operator-7" {
		t.Errorf("actor = %q, want operator-7", events[0].Actor.ID)
	}

	t.Run("not dead-lettered", func(t *testing.T) {
		_, err := m.ManualRetry(ctx, "tenant-a", "msg-2", audit.Actor{ID: "operator-7"})
		if !errors.Is(err, ErrNotDeadLettered) {
			t.Errorf("err = %v, want ErrNotDeadLettered", err)
		}
	})

	t.Run("unknown record", func(t *testing.T) {
		_, err := m.ManualRetry(ctx, "tenant-a", "ghost", audit.Actor{ID: "operator-7"})
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestStats(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	seedProcessing(t, s, "tenant-a", "dead-1")
	if _, err := m.MarkDead(ctx, "tenant-a", "dead-1", models.StatusProcessing, "boom", ClassExhausted); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}
	_, _, err := s.TryCreate(ctx, "tenant-a", "alive-1", store.CreateParams{MessageType: "contact", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("TryCreate: %v", err)
	}

	agg, err := m.Stats(ctx, "tenant-a", 0)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if agg.Total != 2 {
		t.Errorf("total = %d, want 2", agg.Total)
	}
	if agg.ByStatus[models.StatusDeadLettered] != 1 {
		t.Errorf("dead-lettered = %d, want 1", agg.ByStatus[models.StatusDeadLettered])
	}
	if agg.DeadLetterRate != 0.5 {
		t.Errorf("rate = %v, want 0.5", agg.DeadLetterRate)
	}
	if agg.OldestDeadLetter == nil {
		t.Error("oldest dead letter not set")
	}
}
