// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package command defines the control commands the agent executes: the
// closed set of command kinds, the status lifecycle, the canonical
// signing payload, and verification of backend signatures.
//
// [Kind] is a sealed interface. Every variant is a struct in this
// package, and consumers dispatch with a type switch, so adding a kind
// is a compile-time change that every switch must acknowledge.
//
// A [Command] arrives from one of two origins. Remote commands come from
// the backend through sync and must carry a valid ECDSA P-256 signature
// over [CanonicalPayload]. Internal commands are synthesized on the
// device (tamper response) by [NewInternal]; they carry no signature and
// are audited under a separate category. Origin is never read from the
// wire.
package command
