// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs the command poll loop.
//
// Every poll interval the [Executor] drains the queue: it dequeues the
// next eligible command, checks expiry, verifies the backend signature
// of remote commands, and dispatches on the command kind. Lock-state
// kinds go to the lock-state controller; wipe, reboot, and update go
// to the Device Control Port under a per-call timeout. The loop never
// waits on the network, so queued and tamper-synthesized commands run
// while the device is offline.
//
// A failed command is retried with exponential backoff, encoded by
// moving its EnqueuedAt forward, until it has failed MaxRetries times.
// Rejections that cannot succeed on retry (bad signature, a plain
// unlock against a Permanent lock, malformed parameters, a missing
// hook) fail immediately.
//
// On a separate, shorter interval the executor ticks the lock-state
// controller so a lock whose enforcement failed is re-applied until the
// port confirms it.
package executor
