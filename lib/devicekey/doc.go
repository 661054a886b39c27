// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package devicekey turns the device master key into the purpose-bound
// keys the agent needs.
//
// The master key is 32 random bytes generated at enrollment and held
// in a [secret.Buffer]. Nothing encrypts or signs with it directly.
// HKDF-SHA256 with a per-purpose info string derives:
//
//   - the AEAD key for the command queue file,
//   - the AEAD key for the lock-state file,
//   - the ed25519 seed for signing audit checkpoints.
//
// Sealed blobs use XChaCha20-Poly1305:
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext + tag]
//
// The version byte and the purpose string are additional authenticated
// data, so a queue blob cannot be replayed as a lock-state blob even
// though both come from the same master key.
package devicekey
