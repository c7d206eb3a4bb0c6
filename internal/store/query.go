// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/mwhitfield/procguard/internal/logging"
	"github.com/mwhitfield/procguard/internal/metrics"
	"github.com/mwhitfield/procguard/internal/models"
)

// QueryReadyForRetry returns up to maxCount Failed records with
// nextRetryAt <= now and attempt budget remaining, ordered by
// (priority desc, nextRetryAt asc). The retry index makes this a bounded
// prefix scan per priority level, not a full tenant scan.
func (s *RecordStore) QueryReadyForRetry(ctx context.Context, tenantID string, maxCount int) ([]*models.ProcessingRecord, error) {
	defer metrics.ObserveStoreOp("query_ready_for_retry", time.Now())

	if maxCount <= 0 {
		return nil, nil
	}

	now := time.Now()
	var ready []*models.ProcessingRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Highest priority segment first; within a segment keys are ordered
		// by nextRetryAt, so the first future entry ends the segment.
		for prio := models.PriorityHigh; prio >= models.PriorityLow; prio-- {
			prefix := retryPrefix(tenantID, prio)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}

				key := it.Item().Key()
				at, ok := retryKeyTime(key)
				if !ok {
					logging.Warn().Str("key", string(key)).Msg("malformed retry index key, skipping")
					continue
				}
				if at.After(now) {
					break
				}

				rec, err := getRecord(txn, recordKey(tenantID, retryKeyMessageID(key)))
				if errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if !rec.RetryEligible() || rec.NextRetryAt == nil || rec.NextRetryAt.After(now) {
					continue
				}

				ready = append(ready, rec)
				if len(ready) >= maxCount {
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ready, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status       models.Status
	MessageType  string
	SourceTopic  string
	ReasonSubstr string
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

func (f *ListFilter) matches(rec *models.ProcessingRecord) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.MessageType != "" && rec.MessageType != f.MessageType {
		return false
	}
	if f.SourceTopic != "" && rec.SourceTopic != f.SourceTopic {
		return false
	}
	if f.ReasonSubstr != "" && !strings.Contains(strings.ToLower(rec.DeadLetterReason), strings.ToLower(f.ReasonSubstr)) {
		return false
	}
	if !f.Since.IsZero() && rec.ReceivedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.ReceivedAt.After(f.Until) {
		return false
	}
	return true
}

// List scans a tenant's records applying the filter with limit/offset
// paging. Results are ordered by messageID (the key order).
func (s *RecordStore) List(ctx context.Context, tenantID string, filter ListFilter) ([]*models.ProcessingRecord, error) {
	defer metrics.ObserveStoreOp("list", time.Now())

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		out     []*models.ProcessingRecord
		skipped int
	)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := recordPrefix(tenantID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			rec, err := getRecord(txn, it.Item().Key())
			if err != nil {
				return err
			}
			if !filter.matches(rec) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			out = append(out, rec)
			if len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Aggregates summarizes a tenant's records for the stats surface.
type Aggregates struct {
	ByStatus          map[models.Status]int64 `json:"by_status"`
	Total             int64                   `json:"total"`
	DeadLetterRate    float64                 `json:"dead_letter_rate"`
	MeanAttemptsToOK  float64                 `json:"mean_attempts_to_success"`
	OldestDeadLetter  *time.Time              `json:"oldest_dead_letter,omitempty"`
	PendingRetryCount int64                   `json:"pending_retry_count"`
}

// Aggregate computes status counts and derived rates over records received
// within the window (zero window means all records).
func (s *RecordStore) Aggregate(ctx context.Context, tenantID string, window time.Duration) (*Aggregates, error) {
	defer metrics.ObserveStoreOp("aggregate", time.Now())

	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	agg := &Aggregates{ByStatus: make(map[models.Status]int64)}
	var attemptsToOK int64
	var completed int64

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := recordPrefix(tenantID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			rec, err := getRecord(txn, it.Item().Key())
			if err != nil {
				return err
			}
			if !cutoff.IsZero() && rec.ReceivedAt.Before(cutoff) {
				continue
			}

			agg.Total++
			agg.ByStatus[rec.Status]++

			switch rec.Status {
			case models.StatusCompleted:
				completed++
				attemptsToOK += int64(rec.AttemptCount)
			case models.StatusDeadLettered:
				if rec.DeadLetteredAt != nil &&
					(agg.OldestDeadLetter == nil || rec.DeadLetteredAt.Before(*agg.OldestDeadLetter)) {
					agg.OldestDeadLetter = rec.DeadLetteredAt
				}
			case models.StatusFailed:
				if rec.RetryEligible() {
					agg.PendingRetryCount++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if agg.Total > 0 {
		agg.DeadLetterRate = float64(agg.ByStatus[models.StatusDeadLettered]) / float64(agg.Total)
	}
	if completed > 0 {
		agg.MeanAttemptsToOK = float64(attemptsToOK) / float64(completed)
	}
	return agg, nil
}

// Purge deletes terminal records past retention. Dead-lettered records use
// dlRetention; Completed and Cancelled records use retention. Returns the
// number of records removed.
func (s *RecordStore) Purge(ctx context.Context, tenantID string, retention, dlRetention time.Duration) (int, error) {
	defer metrics.ObserveStoreOp("purge", time.Now())

	now := time.Now()
	var doomed [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := recordPrefix(tenantID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			rec, err := getRecord(txn, it.Item().Key())
			if err != nil {
				return err
			}
			if !rec.Status.IsTerminal() {
				continue
			}

			cutoff := retention
			if rec.Status == models.StatusDeadLettered {
				cutoff = dlRetention
			}
			if now.Sub(terminalTime(rec)) > cutoff {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	// Delete outside the scan to keep the view transaction read-only.
	removed := 0
	for _, key := range doomed {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			logging.Warn().Err(err).Str("key", string(key)).Msg("purge delete failed")
			continue
		}
		removed++
	}

	if removed > 0 {
		metrics.PurgedRecordsTotal.Add(float64(removed))
	}
	return removed, nil
}

// Tenants returns the distinct tenant IDs present in the store. Used by
// the sweep and purge loops to enumerate their work.
func (s *RecordStore) Tenants(ctx context.Context) ([]string, error) {
	defer metrics.ObserveStoreOp("tenants", time.Now())

	var tenants []string
	seen := make(map[string]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixRecord)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			key := string(it.Item().Key())
			rest := key[len(prefixRecord):]
			sep := strings.IndexByte(rest, ':')
			if sep < 0 {
				continue
			}
			tenant := rest[:sep]
			if _, ok := seen[tenant]; ok {
				continue
			}
			seen[tenant] = struct{}{}
			tenants = append(tenants, tenant)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

// terminalTime picks the timestamp retention is measured from.
func terminalTime(rec *models.ProcessingRecord) time.Time {
	switch {
	case rec.Status == models.StatusDeadLettered && rec.DeadLetteredAt != nil:
		return *rec.DeadLetteredAt
	case rec.ProcessingCompletedAt != nil:
		return *rec.ProcessingCompletedAt
	default:
		return rec.ReceivedAt
	}
}
