// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for warden binaries.
// [Fatal] is the one place raw output goes to stderr: errors from run()
// that may occur before the structured logger exists.
package process
