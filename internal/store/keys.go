// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mwhitfield/procguard/internal/models"
)

const (
	prefixRecord = "record:"
	prefixRetry  = "retry:"
)

// maxPriority bounds the inverted-priority digit in retry index keys.
const maxPriority = 9

func recordKey(tenantID, messageID string) []byte {
	return []byte(prefixRecord + tenantID + ":" + messageID)
}

func recordPrefix(tenantID string) []byte {
	return []byte(prefixRecord + tenantID + ":")
}

// retryKey builds a retry index key that sorts by (priority desc,
// nextRetryAt asc) under lexicographic iteration: the priority digit is
// inverted and the timestamp is zero-padded.
func retryKey(tenantID string, priority models.Priority, at time.Time, messageID string) []byte {
	inv := maxPriority - int(priority)
	if inv < 0 {
		inv = 0
	}
	return []byte(fmt.Sprintf("%s%s:%d:%019d:%s", prefixRetry, tenantID, inv, at.UnixNano(), messageID))
}

func retryPrefix(tenantID string, priority models.Priority) []byte {
	inv := maxPriority - int(priority)
	if inv < 0 {
		inv = 0
	}
	return []byte(fmt.Sprintf("%s%s:%d:", prefixRetry, tenantID, inv))
}

// retryKeyTime extracts the nextRetryAt timestamp encoded in a retry index
// key. Returns false for malformed keys.
func retryKeyTime(key []byte) (time.Time, bool) {
	parts := strings.Split(string(key), ":")
	if len(parts) < 5 {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// retryKeyMessageID extracts the messageID suffix of a retry index key.
func retryKeyMessageID(key []byte) string {
	parts := strings.Split(string(key), ":")
	return parts[len(parts)-1]
}
