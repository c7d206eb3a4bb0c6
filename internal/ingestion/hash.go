// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package ingestion

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
)

// Hash returns the content fingerprint of a payload, independent of the
// caller-supplied message ID. The payload is canonicalized first (JSON
// re-marshaled with sorted object keys) so formatting and key order do not
// change the fingerprint. Payloads that fail to parse are hashed as raw
// bytes; a malformed replay still collides only with a byte-identical one.
func Hash(rawPayload []byte) string {
	var parsed interface{}
	if err := json.Unmarshal(rawPayload, &parsed); err != nil {
		return fmt.Sprintf("%016x", xxhash.Sum64(rawPayload))
	}

	canonical, err := json.Marshal(parsed)
	if err != nil {
		return fmt.Sprintf("%016x", xxhash.Sum64(rawPayload))
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(canonical))
}
