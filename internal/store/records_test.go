// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mwhitfield/procguard/internal/models"
)

func newTestStore(t *testing.T) *RecordStore {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}

func testParams() CreateParams {
	return CreateParams{
		MessageType: "contact",
		SourceTopic: "crm.contacts",
		Priority:    models.PriorityNormal,
		MaxAttempts: 3,
		MessageHash: "abc123",
	}
}

func TestTryCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("first sighting creates pending record", func(t *testing.T) {
		created, rec, err := s.TryCreate(ctx, "tenant-a", "msg-1", testParams())
		if err != nil {
			t.Fatalf("TryCreate: %v", err)
		}
		if !created {
			t.Fatal("expected created=true on first sighting")
		}
		if rec.Status != models.StatusPending {
			t.Errorf("status = %s, want pending", rec.Status)
		}
		if rec.AttemptCount != 0 {
			t.Errorf("attemptCount = %d, want 0", rec.AttemptCount)
		}
		if rec.ReceivedAt.IsZero() {
			t.Error("receivedAt not stamped")
		}
	})

	t.Run("second sighting returns existing record", func(t *testing.T) {
		created, rec, err := s.TryCreate(ctx, "tenant-a", "msg-1", testParams())
		if err != nil {
			t.Fatalf("TryCreate: %v", err)
		}
		if created {
			t.Fatal("expected created=false on second sighting")
		}
		if rec.MessageID != "msg-1" {
			t.Errorf("messageID = %s, want msg-1", rec.MessageID)
		}
	})

	t.Run("same messageID under another tenant is distinct", func(t *testing.T) {
		created, _, err := s.TryCreate(ctx, "tenant-b", "msg-1", testParams())
		if err != nil {
			t.Fatalf("TryCreate: %v", err)
		}
		if !created {
			t.Fatal("expected created=true for a different tenant")
		}
	})
}

func TestTryCreateConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 32
	var wins atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			created, _, err := s.TryCreate(ctx, "tenant-a", "race-1", testParams())
			if err != nil {
				t.Errorf("TryCreate: %v", err)
				return
			}
			if created {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("%d callers observed created=true, want exactly 1", got)
	}
}

func TestConditionalUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, rec, err := s.TryCreate(ctx, "tenant-a", "msg-1", testParams())
	if err != nil {
		t.Fatalf("TryCreate: %v", err)
	}

	t.Run("matching status applies mutation", func(t *testing.T) {
		now := time.Now().UTC()
		updated, err := s.ConditionalUpdate(ctx, "tenant-a", "msg-1", models.StatusPending, func(r *models.ProcessingRecord) error {
			r.Status = models.StatusProcessing
			r.AttemptCount++
			r.ProcessingStartedAt = &now
			return nil
		})
		if err != nil {
			t.Fatalf("ConditionalUpdate: %v", err)
		}
		if updated.Status != models.StatusProcessing {
			t.Errorf("status = %s, want processing", updated.Status)
		}
		if updated.AttemptCount != rec.AttemptCount+1 {
			t.Errorf("attemptCount = %d, want %d", updated.AttemptCount, rec.AttemptCount+1)
		}
	})

	t.Run("stale expected status is a conflict without side effects", func(t *testing.T) {
		_, err := s.ConditionalUpdate(ctx, "tenant-a", "msg-1", models.StatusPending, func(r *models.ProcessingRecord) error {
			r.Status = models.StatusCompleted
			return nil
		})
		if !errors.Is(err, ErrConcurrencyConflict) {
			t.Fatalf("err = %v, want ErrConcurrencyConflict", err)
		}

		current, err := s.Get(ctx, "tenant-a", "msg-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if current.Status != models.StatusProcessing {
			t.Errorf("status mutated to %s despite conflict", current.Status)
		}
	})

	t.Run("mutation breaking invariants is rejected", func(t *testing.T) {
		at := time.Now().Add(time.Minute)
		_, err := s.ConditionalUpdate(ctx, "tenant-a", "msg-1", models.StatusProcessing, func(r *models.ProcessingRecord) error {
			// NextRetryAt on a completed record is invalid.
			r.Status = models.StatusCompleted
			r.NextRetryAt = &at
			return nil
		})
		if !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("err = %v, want ErrInvalidRecord", err)
		}
	})

	t.Run("unknown key returns not found", func(t *testing.T) {
		_, err := s.ConditionalUpdate(ctx, "tenant-a", "ghost", models.StatusPending, func(r *models.ProcessingRecord) error {
			return nil
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

// exclusivity: exactly one of N concurrent claims can move Pending to
// Processing.
func TestConditionalUpdateExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.TryCreate(ctx, "tenant-a", "claim-1", testParams()); err != nil {
		t.Fatalf("TryCreate: %v", err)
	}

	const n = 16
	var wins atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := s.ConditionalUpdate(ctx, "tenant-a", "claim-1", models.StatusPending, func(r *models.ProcessingRecord) error {
				r.Status = models.StatusProcessing
				r.AttemptCount++
				now := time.Now().UTC()
				r.ProcessingStartedAt = &now
				return nil
			})
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrConcurrencyConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("%d claims succeeded, want exactly 1", got)
	}

	rec, err := s.Get(ctx, "tenant-a", "claim-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.AttemptCount != 1 {
		t.Errorf("attemptCount = %d, want 1 (no double claim)", rec.AttemptCount)
	}
}

func TestQueryReadyForRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// seed: two due failures at different priorities, one not yet due,
	// one exhausted.
	seed := []struct {
		id       string
		priority models.Priority
		attempts int
		retryIn  time.Duration
	}{
		{"due-low", models.PriorityLow, 1, -time.Minute},
		{"due-high", models.PriorityHigh, 1, -2 * time.Minute},
		{"future", models.PriorityHigh, 1, time.Hour},
	}
	for _, sd := range seed {
		params := testParams()
		params.Priority = sd.priority
		if _, _, err := s.TryCreate(ctx, "tenant-a", sd.id, params); err != nil {
			t.Fatalf("TryCreate %s: %v", sd.id, err)
		}
		if _, err := s.ConditionalUpdate(ctx, "tenant-a", sd.id, models.StatusPending, func(r *models.ProcessingRecord) error {
			r.Status = models.StatusProcessing
			r.AttemptCount = sd.attempts
			now := time.Now().UTC()
			r.ProcessingStartedAt = &now
			return nil
		}); err != nil {
			t.Fatalf("claim %s: %v", sd.id, err)
		}
		at := time.Now().Add(sd.retryIn)
		if _, err := s.ConditionalUpdate(ctx, "tenant-a", sd.id, models.StatusProcessing, func(r *models.ProcessingRecord) error {
			r.Status = models.StatusFailed
			r.NextRetryAt = &at
			return nil
		}); err != nil {
			t.Fatalf("fail %s: %v", sd.id, err)
		}
	}

	ready, err := s.QueryReadyForRetry(ctx, "tenant-a", 10)
	if err != nil {
		t.Fatalf("QueryReadyForRetry: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("got %d ready records, want 2", len(ready))
	}
	if ready[0].MessageID != "due-high" {
		t.Errorf("first ready = %s, want due-high (priority desc)", ready[0].MessageID)
	}
	if ready[1].MessageID != "due-low" {
		t.Errorf("second ready = %s, want due-low", ready[1].MessageID)
	}

	t.Run("maxCount caps results", func(t *testing.T) {
		capped, err := s.QueryReadyForRetry(ctx, "tenant-a", 1)
		if err != nil {
			t.Fatalf("QueryReadyForRetry: %v", err)
		}
		if len(capped) != 1 || capped[0].MessageID != "due-high" {
			t.Fatalf("capped = %v, want just due-high", capped)
		}
	})

	t.Run("index entry cleared when record leaves failed", func(t *testing.T) {
		if _, err := s.ConditionalUpdate(ctx, "tenant-a", "due-high", models.StatusFailed, func(r *models.ProcessingRecord) error {
			r.Status = models.StatusProcessing
			r.AttemptCount++
			now := time.Now().UTC()
			r.ProcessingStartedAt = &now
			r.NextRetryAt = nil
			return nil
		}); err != nil {
			t.Fatalf("reclaim due-high: %v", err)
		}

		ready, err := s.QueryReadyForRetry(ctx, "tenant-a", 10)
		if err != nil {
			t.Fatalf("QueryReadyForRetry: %v", err)
		}
		if len(ready) != 1 || ready[0].MessageID != "due-low" {
			t.Fatalf("ready = %v, want just due-low", ready)
		}
	})
}

func TestPriorityClampedIntoSweptRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A caller-supplied priority outside the known range must still land
	// in a retry index segment the sweep visits.
	params := testParams()
	params.Priority = models.Priority(5)
	_, rec, err := s.TryCreate(ctx, "tenant-a", "hot-1", params)
	if err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	if rec.Priority != models.PriorityHigh {
		t.Errorf("priority = %d, want clamped to %d", rec.Priority, models.PriorityHigh)
	}

	if _, err := s.ConditionalUpdate(ctx, "tenant-a", "hot-1", models.StatusPending, func(r *models.ProcessingRecord) error {
		r.Status = models.StatusProcessing
		r.AttemptCount = 1
		now := time.Now().UTC()
		r.ProcessingStartedAt = &now
		return nil
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	due := time.Now().Add(-time.Minute)
	if _, err := s.ConditionalUpdate(ctx, "tenant-a", "hot-1", models.StatusProcessing, func(r *models.ProcessingRecord) error {
		r.Status = models.StatusFailed
		r.NextRetryAt = &due
		return nil
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	ready, err := s.QueryReadyForRetry(ctx, "tenant-a", 10)
	if err != nil {
		t.Fatalf("QueryReadyForRetry: %v", err)
	}
	if len(ready) != 1 || ready[0].MessageID != "hot-1" {
		t.Fatalf("ready = %v, want the clamped record", ready)
	}

	t.Run("mutation cannot push priority out of range", func(t *testing.T) {
		_, err := s.ConditionalUpdate(ctx, "tenant-a", "hot-1", models.StatusFailed, func(r *models.ProcessingRecord) error {
			r.Priority = models.Priority(-3)
			return nil
		})
		if !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("err = %v, want ErrInvalidRecord", err)
		}
	})
}

func TestTenants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, tenant := range []string{"alpha", "beta", "alpha", "gamma"} {
		if _, _, err := s.TryCreate(ctx, tenant, "msg-"+tenant, testParams()); err != nil {
			t.Fatalf("TryCreate: %v", err)
		}
	}

	tenants, err := s.Tenants(ctx)
	if err != nil {
		t.Fatalf("Tenants: %v", err)
	}
	if len(tenants) != 3 {
		t.Fatalf("got %d tenants %v, want 3", len(tenants), tenants)
	}
}
