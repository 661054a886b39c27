// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the agent's single CBOR configuration.
//
// JSON is reserved for the backend wire contract (the sync request and
// response). Everything the agent signs, hashes, or writes to its own
// state files goes through this package:
//
//   - the canonical command payload that backend signatures cover,
//   - the audit entry bytes that feed the hash chain,
//   - the queue snapshot and lock-state snapshot before sealing,
//   - audit archive bundles.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): map
// keys are sorted and integers take their shortest form, so identical
// values always yield identical bytes. Hashes and signatures depend on
// that property. Timestamps encode as RFC 3339 strings with nanosecond
// precision so that a decoded value re-encodes to the same bytes.
package codec
