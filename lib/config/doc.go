// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the warden
// agent and CLI.
//
// Configuration is loaded from a single file named by either the
// WARDEN_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no discovery and no fallback search, so
// the file on disk is the complete, auditable description of how the
// agent behaves.
//
// The file may carry environment sections (development, staging,
// production) whose non-zero values override the base values when
// [Config].Environment matches. Production validation is stricter:
// the sync endpoint must use https.
//
// Path fields support ${WARDEN_ROOT}, ${HOME}, and ${VAR:-default}
// expansion after loading. No other environment variable overrides a
// config value.
//
// Every interval that fleet documentation disagrees on (heartbeat
// cadence, tamper escalation threshold, freshness window) is a plain
// config value with the defaults in [Default].
package config
