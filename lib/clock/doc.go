// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the agent's source of time.
//
// The executor poll loop, the sync scheduler, tamper signal freshness,
// command expiry and audit timestamps all read time through a [Clock]
// so that tests can drive them deterministically. Production code
// passes [Real]; tests pass [Fake] and move time forward explicitly:
//
//	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
//	go executor.Run(ctx)
//	fake.WaitForTimers(1)       // the loop has armed its ticker
//	fake.Advance(5 * time.Second)
//
// WaitForTimers removes the race between a goroutine registering a
// ticker and the test advancing past it.
package clock
