// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/mwhitfield/procguard/internal/logging"
	"github.com/mwhitfield/procguard/internal/metrics"
	"github.com/mwhitfield/procguard/internal/models"
)

// CreateParams describes the record created on first sighting of a key.
type CreateParams struct {
	MessageType string
	SourceTopic string
	Priority    models.Priority
	MaxAttempts int
	MessageHash string
	RawPayload  json.RawMessage
}

// TryCreate atomically inserts a Pending record iff none exists for the
// (tenantID, messageID) key. Exactly one of N concurrent callers observes
// created == true; all others receive the already-existing record.
func (s *RecordStore) TryCreate(ctx context.Context, tenantID, messageID string, params CreateParams) (bool, *models.ProcessingRecord, error) {
	defer metrics.ObserveStoreOp("try_create", time.Now())

	var (
		created bool
		result  *models.ProcessingRecord
	)

	err := s.withConflictRetry(ctx, func(txn *badger.Txn) error {
		created = false
		key := recordKey(tenantID, messageID)

		existing, err := getRecord(txn, key)
		switch {
		case err == nil:
			result = existing
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		rec := &models.ProcessingRecord{
			TenantID:    tenantID,
			MessageID:   messageID,
			MessageType: params.MessageType,
			SourceTopic: params.SourceTopic,
			Priority:    params.Priority.Clamp(),
			Status:      models.StatusPending,
			MaxAttempts: params.MaxAttempts,
			MessageHash: params.MessageHash,
			RawPayload:  params.RawPayload,
			ReceivedAt:  time.Now().UTC(),
		}
		if err := setRecord(txn, key, rec); err != nil {
			return err
		}
		created = true
		result = rec
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return created, result, nil
}

// Get returns the record for the key, or ErrNotFound.
func (s *RecordStore) Get(ctx context.Context, tenantID, messageID string) (*models.ProcessingRecord, error) {
	defer metrics.ObserveStoreOp("get", time.Now())

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *models.ProcessingRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, recordKey(tenantID, messageID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Mutation transforms a record under a conditional update. It receives a
// clone of the stored record and returns the record to persist (usually the
// same pointer, mutated). Returning an error aborts the update.
type Mutation func(rec *models.ProcessingRecord) error

// ConditionalUpdate applies mutate iff the stored record's status equals
// expectedStatus. On a status mismatch it returns ErrConcurrencyConflict
// without side effects. Badger transaction conflicts are retried a bounded
// number of times before surfacing as ErrConcurrencyConflict.
//
// The retry index is kept consistent inside the same transaction: the old
// index entry (if any) is removed and a new one written when the mutated
// record carries a NextRetryAt.
func (s *RecordStore) ConditionalUpdate(ctx context.Context, tenantID, messageID string, expectedStatus models.Status, mutate Mutation) (*models.ProcessingRecord, error) {
	defer metrics.ObserveStoreOp("conditional_update", time.Now())

	var updated *models.ProcessingRecord

	err := s.withConflictRetry(ctx, func(txn *badger.Txn) error {
		key := recordKey(tenantID, messageID)

		current, err := getRecord(txn, key)
		if err != nil {
			return err
		}

		if current.Status != expectedStatus {
			metrics.StoreConflictsTotal.Inc()
			return fmt.Errorf("%w: status is %s, expected %s",
				ErrConcurrencyConflict, current.Status, expectedStatus)
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		next.TenantID = tenantID
		next.MessageID = messageID

		if err := checkInvariants(next); err != nil {
			return err
		}

		// Swap retry index entries atomically with the record.
		if current.NextRetryAt != nil {
			oldIdx := retryKey(tenantID, current.Priority, *current.NextRetryAt, messageID)
			if err := txn.Delete(oldIdx); err != nil {
				return fmt.Errorf("delete retry index: %w", err)
			}
		}
		if next.NextRetryAt != nil {
			newIdx := retryKey(tenantID, next.Priority, *next.NextRetryAt, messageID)
			if err := txn.Set(newIdx, nil); err != nil {
				return fmt.Errorf("set retry index: %w", err)
			}
		}

		if err := setRecord(txn, key, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// checkInvariants rejects mutations that would break record invariants.
func checkInvariants(rec *models.ProcessingRecord) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, rec.Status)
	}
	if rec.Priority != rec.Priority.Clamp() {
		return fmt.Errorf("%w: priority %d outside the swept range", ErrInvalidRecord, rec.Priority)
	}
	if rec.NextRetryAt != nil && !rec.RetryEligible() {
		return fmt.Errorf("%w: nextRetryAt set on %s record with %d/%d attempts",
			ErrInvalidRecord, rec.Status, rec.AttemptCount, rec.MaxAttempts)
	}
	if rec.IsDeadLettered != (rec.Status == models.StatusDeadLettered) {
		return fmt.Errorf("%w: isDeadLettered=%v with status %s",
			ErrInvalidRecord, rec.IsDeadLettered, rec.Status)
	}
	return nil
}

// withConflictRetry runs fn in a read-write transaction, retrying Badger
// conflicts up to the configured bound.
func (s *RecordStore) withConflictRetry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.ConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = s.db.Update(fn)
		if !errors.Is(lastErr, badger.ErrConflict) {
			return lastErr
		}

		metrics.StoreConflictsTotal.Inc()
		logging.Trace().Int("attempt", attempt+1).Msg("badger transaction conflict, retrying")
	}
	return fmt.Errorf("%w: %v", ErrConcurrencyConflict, lastErr)
}

func getRecord(txn *badger.Txn, key []byte) (*models.ProcessingRecord, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec models.ProcessingRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func setRecord(txn *badger.Txn, key []byte, rec *models.ProcessingRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := txn.Set(key, data); err != nil {
		return fmt.Errorf("set record: %w", err)
	}
	return nil
}
