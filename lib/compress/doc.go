// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress frames compressed payloads for the agent's state
// files and archive bundles.
//
// A packed payload is self-describing:
//
//	[algorithm: 1 byte] [uncompressed length: uvarint] [body]
//
// LZ4 is used for the command queue snapshot, which is rewritten after
// every queue mutation and must stay cheap. Zstd is used for audit
// archive bundles, which are written once per checkpoint and benefit
// from the better ratio on repetitive text. Data that does not shrink
// is stored with [None].
package compress
