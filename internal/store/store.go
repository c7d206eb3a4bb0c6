// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

// Package store implements the durable, tenant-scoped ProcessingRecord store
// on BadgerDB. All coordination state lives here behind conditional updates
// executed inside serializable Badger transactions; no in-memory lock spans
// process boundaries, which is what makes the engine safe across multiple
// worker instances sharing a store.
//
// Key layout:
//
//	record:<tenant>:<messageID>                      -> JSON ProcessingRecord
//	retry:<tenant>:<invPriority>:<nanos>:<messageID> -> retry sweep index
//
// The retry index is maintained transactionally with the record so the
// sweep never observes an index entry for a record that is not Failed.
package store

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/mwhitfield/procguard/internal/config"
	"github.com/mwhitfield/procguard/internal/logging"
)

// RecordStore is the BadgerDB-backed ProcessingRecordStore.
type RecordStore struct {
	db  *badger.DB
	cfg config.StoreConfig
}

// Open creates or opens the record store at cfg.Path.
func Open(cfg config.StoreConfig) (*RecordStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.MemTableSize > 0 {
		opts.MemTableSize = cfg.MemTableSize
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.NumCompactors >= 2 {
		opts.NumCompactors = cfg.NumCompactors
	}
	if cfg.Compression {
		opts.Compression = options.Snappy
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	if cfg.ConflictRetries < 1 {
		cfg.ConflictRetries = 5
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("record store opened")

	return &RecordStore{db: db, cfg: cfg}, nil
}

// OpenInMemory opens a throwaway in-memory store. Test use only.
func OpenInMemory() (*RecordStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory BadgerDB: %w", err)
	}
	return &RecordStore{db: db, cfg: config.StoreConfig{ConflictRetries: 5}}, nil
}

// Close shuts the store down, bounded by the configured close timeout.
func (s *RecordStore) Close() error {
	timeout := s.cfg.CloseTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}

// RunGC triggers Badger value-log garbage collection until no further
// rewrite is possible. Called periodically by the purge service.
func (s *RecordStore) RunGC() error {
	ratio := s.cfg.GCRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	for {
		err := s.db.RunValueLogGC(ratio)
		if err == nil {
			continue
		}
		if err == badger.ErrNoRewrite {
			return nil
		}
		return fmt.Errorf("run GC: %w", err)
	}
}

// DB exposes the underlying BadgerDB for components sharing the store file
// (the audit store). Callers must not close it directly.
func (s *RecordStore) DB() *badger.DB {
	return s.db
}
