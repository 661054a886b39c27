// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap.
//
// The device master key (from which the queue key, the lock-state key
// and the checkpoint signing key are derived) lives in a [Buffer]: an
// anonymous mmap region that is mlocked against swap, excluded from
// core dumps where the kernel supports it, and zeroed on Close. The
// garbage collector never sees or copies it.
package secret
