// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncclient exchanges device snapshots with the fleet backend.
//
// A [Client] contacts the backend on two cadences sharing one
// request/response shape: a heartbeat carrying battery, lock state,
// and tamper summary, and a less frequent full verification that adds
// diagnostics. Each request also carries the results of commands that
// finished since the last successful contact, and whether the command
// queue had to be discarded as corrupt.
//
// Each response may deliver new commands, which are converted to
// remote commands and enqueued (the queue drops ids it has already
// seen), and a lock status that is applied as an advisory hint. The
// advisory can set or clear Soft and Hard locks but can never create or
// release a Permanent one.
//
// Transport failures back off exponentially up to a ceiling. The
// client never holds a lock across a network call, so command
// execution and lock enforcement continue while the device is offline.
//
// [HTTPTransport] implements [Transport] as JSON over HTTP:
// POST {endpoint}/sync authenticated by the X-Device-Api-Key header,
// and POST {endpoint}/audit/archive for sealed audit bundles from the
// outbox. Rate limiting, server errors, and connection failures are
// reported as [*TransientError].
package syncclient
