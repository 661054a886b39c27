// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the bounded, priority-ordered, encrypted
// command queue.
//
// Active commands are PENDING or EXECUTING. [Queue.DequeueNext] picks
// the eligible PENDING command with the highest priority, then the
// earliest EnqueuedAt, then the earliest insertion, and moves it to
// EXECUTING under the queue lock so no command is dispatched twice. A
// command is eligible when it has not expired and its EnqueuedAt is not
// in the future; retries are delayed by moving EnqueuedAt forward.
//
// Terminal commands move to a bounded history, and ids evicted from the
// history are remembered as tombstones, so a command redelivered by the
// backend after it finished is ignored rather than run again.
//
// The queue owns its state file. [Queue.Persist] writes the whole queue
// as CBOR, LZ4-compressed, sealed with the device key for
// [devicekey.PurposeQueue], and atomically renamed into place. A file
// that fails to authenticate or decode is moved aside and the queue
// starts empty with a CRITICAL audit entry; [Queue.Corruption] keeps
// the error until the next sync reports it.
//
// Commands held by the queue are never mutated after insertion; every
// change replaces the pointer with an updated copy. That makes
// [Queue.Snapshot] a lock-free read of an immutable view.
package queue
