// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the agent's SQLite connection pool.
//
// It wraps zombiezen.com/go/sqlite with the pragmas a single-device
// store needs: WAL journal mode so status readers never block the
// writer, a busy timeout for the rare case where the CLI and the agent
// touch the same database, and a configurable synchronous level.
// Stores whose writes must survive power loss (the audit log) open the
// pool with [Config.Durable], which selects synchronous=FULL.
//
// Callers [Pool.Take] a connection, perform work, and [Pool.Put] it
// back. Connections are not safe for concurrent use; each goroutine
// holds its own for the duration of its work.
package sqlitepool
