// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts audit archive bundles to the backend's age
// recipient before they leave the device.
//
// Bundles sit in the outbox until the next successful sync, possibly
// for days when the device is offline, so they are sealed at rest: the
// device can write them but only the holder of the backend's age
// identity can read them. The identity side ([Decrypt], [GenerateKeypair])
// is used by tooling and tests, never by the agent itself.
package sealed
