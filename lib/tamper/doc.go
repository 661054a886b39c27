// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tamper aggregates tamper signals from the detector into one
// overall severity and responds to critical tampering offline.
//
// A [Signal] stays active while the detector keeps re-reporting it
// within the policy's freshness window; a signal that goes quiet is
// dropped. The overall severity is the maximum over active signals.
// Attempt kinds (removal or disable attempts) are discrete events: an
// attempt kind reported AttemptThreshold times inside the window is
// escalated to Critical regardless of its base severity. Re-reports of
// condition kinds only keep them active.
//
// When the overall severity rises into Critical the [Aggregator]
// synthesizes an internal LockDevice{Hard} command and enqueues it
// directly, so tamper response never waits for the network. Internal
// commands skip signature verification and are audited under their own
// category.
//
// Severities per kind come from [DefaultPolicy] and can be overridden
// by a JSONC policy file (JSON with comments and trailing commas):
//
//	{
//	  // Treat any root detection as an immediate lock.
//	  "severities": {"root": "critical"},
//	  "freshness_window": "15m",
//	  "attempt_threshold": 5,
//	}
//
// Signals arrive over a channel fed by [DetectorServer], which accepts
// newline-delimited JSON from the platform detector on a Unix socket.
package tamper
