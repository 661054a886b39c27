// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hwinfo reads the device facts that go into every heartbeat:
// battery level and charging state from the power_supply class in
// sysfs, uptime, total memory, and kernel release.
//
// Probing never fails. A missing or unreadable file yields a zero or
// unknown field, because a device with no battery (a kiosk on mains
// power) is still a valid device that must keep reporting.
//
// Every reader takes a root directory that is prefixed to /proc and
// /sys paths, so tests point it at a synthetic tree under t.TempDir().
package hwinfo
