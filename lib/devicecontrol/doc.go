// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package devicecontrol defines the Device Control Port: the
// platform-specific boundary that actually locks, unlocks, wipes,
// reboots, and updates the device.
//
// Every port call is time-boxed. [Call] runs an operation under a
// deadline and converts an overrun into a [*TimeoutError] even if the
// implementation ignores its context, so a stuck platform call can
// never stall the executor. [WithTimeout] applies that to a whole
// [Port].
//
// Two implementations live here: [HookPort] runs operator-configured
// commands, and [FakePort] records calls for tests.
package devicecontrol
