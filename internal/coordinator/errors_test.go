// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package coordinator

import (
	"errors"
	"fmt"
	"testing"
)

func TestCategoryOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ErrorCategoryUnknown},
		{"typed transient carries its category", NewTransientError("connection refused by peer", nil), ErrorCategoryConnection},
		{"typed permanent defaults to validation", NewPermanentError("bad payload", nil), ErrorCategoryValidation},
		{"wrapped typed error", fmt.Errorf("attempt 2: %w", NewTransientError("request timed out", nil)), ErrorCategoryTimeout},
		{"plain timeout text", errors.New("deadline exceeded while flushing"), ErrorCategoryTimeout},
		{"plain storage text", errors.New("database write rejected"), ErrorCategoryStorage},
		{"plain capacity text", errors.New("queue limit exceeded"), ErrorCategoryCapacity},
		{"unclassifiable", errors.New("boom"), ErrorCategoryUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CategoryOf(tc.err); got != tc.want {
				t.Errorf("CategoryOf(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorTypePredicates(t *testing.T) {
	tr := NewTransientError("conn reset", nil)
	perm := NewPermanentError("malformed", errors.New("parse"))

	if !IsTransientError(fmt.Errorf("wrap: %w", tr)) {
		t.Error("wrapped transient not detected")
	}
	if IsTransientError(perm) {
		t.Error("permanent detected as transient")
	}
	if !IsPermanentError(fmt.Errorf("wrap: %w", perm)) {
		t.Error("wrapped permanent not detected")
	}
	if IsPermanentError(tr) {
		t.Error("transient detected as permanent")
	}
}

func TestClassificationString(t *testing.T) {
	if got := ClassPermanent.String(); got != "permanent" {
		t.Errorf("ClassPermanent = %q", got)
	}
	if got := ClassCancelled.String(); got != "cancelled" {
		t.Errorf("ClassCancelled = %q", got)
	}
	if got := ClassTransient.String(); got != "transient" {
		t.Errorf("ClassTransient = %q", got)
	}
}
