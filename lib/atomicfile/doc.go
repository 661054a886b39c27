// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile writes the agent's state files so that a crash or
// power loss never leaves a torn file behind.
//
// [Write] writes to a temporary sibling, fsyncs it, renames it over the
// destination and fsyncs the parent directory. A reader therefore sees
// either the previous complete file or the new complete file.
//
// Failures surface as [*IOError]. [WriteRetry] performs the single
// immediate retry the agent applies to storage failures before it
// escalates them to a critical audit entry and degraded mode.
package atomicfile
