// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// audit keys sort by timestamp so range scans follow event order:
//
//	audit:<nanos %019d>:<event id>
const auditPrefix = "audit:"

func eventKey(ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s", auditPrefix, ts.UnixNano(), id))
}

// BadgerStore persists audit events in a Badger keyspace. It can share
// a database with the record store since all keys carry the audit prefix.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates an audit store on top of an open database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Save persists an audit event.
func (s *BadgerStore) Save(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(event.Timestamp, event.ID), data)
	})
}

// Query retrieves events matching the filter, newest first.
func (s *BadgerStore) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var events []Event
	skipped := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past the prefix range.
		seek := append([]byte(auditPrefix), 0xff)
		for it.Seek(seek); it.ValidForPrefix([]byte(auditPrefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if !filter.matches(&e) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			events = append(events, e)
			if len(events) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Count returns the number of events matching the filter.
func (s *BadgerStore) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if filter.matches(&e) {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Delete removes events older than the cutoff.
func (s *BadgerStore) Delete(ctx context.Context, olderThan time.Time) (int64, error) {
	end := eventKey(olderThan, "")
	var doomed [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(end) {
				break
			}
			doomed = append(doomed, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, key := range doomed {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
