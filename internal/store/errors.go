// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package store

import "errors"

var (
	// ErrNotFound is returned when no record exists for the dedup key.
	ErrNotFound = errors.New("processing record not found")

	// ErrConcurrencyConflict is returned when a conditional update's status
	// precondition fails, or when Badger transaction conflicts persist past
	// the bounded internal retries. The update had no side effects.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInvalidRecord is returned when a mutation would violate a record
	// invariant (e.g. nextRetryAt on a non-Failed record).
	ErrInvalidRecord = errors.New("invalid record state")
)
