// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for warden
// binaries.
//
// Four package-level variables are injected at build time via
// -ldflags -X: [GitCommit], [GitDirty], [BuildTime], and [Version].
// They default to "unknown" / "0.1.0-dev" in development builds and
// test runs.
//
// The agent reports [Short] in full-verification sync diagnostics and
// sends [UserAgent] on every backend request.
package version
