// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lockstate reconciles lock records into the device's single
// authoritative lock state and drives enforcement.
//
// The lock state is never stored on its own. It is derived from the
// active [Record] set as the strongest non-expired lock, with the fixed
// order Permanent > Hard > Soft > Unlocked. At most one record per lock
// type is active; a new record of a type supersedes the old one.
//
// All mutation goes through one [Controller] under one lock, so
// concurrent commands cannot interleave. Each accepted transition
// updates the records, writes the sealed snapshot, calls the Device
// Control Port, appends an audit entry, and notifies the UI, in that
// order. A port failure does not undo the transition: the controller
// keeps the intended state, flags enforcement as pending, and
// [Controller.Tick] retries the port until it succeeds.
//
// A Permanent lock can only be cleared by AdminOverrideUnlock. The
// backend's advisory lock status can set and clear Soft and Hard locks
// it created itself, but never touches Permanent.
//
// Reads go through [Controller.View], an immutable snapshot that does
// not take the controller lock.
package lockstate
