// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit implements the agent's append-only, hash-chained
// audit log.
//
// Every state change and security event is appended as an [Entry].
// Each entry's SelfHash is a BLAKE3 keyed hash over the previous
// entry's SelfHash followed by the entry's deterministic CBOR encoding,
// so modifying or deleting any persisted entry breaks the chain at that
// point. [Log.VerifyChain] recomputes the chain and reports the first
// break.
//
// The log is bounded. Every CheckpointEvery entries, or every
// CheckpointInterval, the log signs a [Checkpoint] covering the entries
// since the previous one: the Merkle root of their hashes and the hash
// of the last entry. The checkpoint and its entries are handed to an
// [Archiver] (normally an [Outbox] that seals bundles for upload). Only
// entries covered by an archived checkpoint are ever evicted, and the
// first retained entry still links to the last checkpoint's EndHash, so
// a verifier holding the archive can prove the evicted range post hoc.
//
// Nothing clears the log except [Log.Wipe], which appends DATA_WIPE as
// the final entry and archives it before erasing the store.
//
// Entries are written synchronously: Append returns only after the
// store has committed. [SQLiteStore] opens its database with
// synchronous=FULL.
package audit
