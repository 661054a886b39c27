// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tamper

import (
	"fmt"
	"strings"
	"time"
)

// Severity orders tamper findings. The numeric order is the precedence
// order.
type Severity int

const (
	None Severity = iota
	Low
	Medium
	High
	Critical
)

func (s Severity) String() string {
	switch s {
	case None:
		return "None"
	case Low:
		return "Low"
	case Medium:
		return "Medium"
	case High:
		return "High"
	case Critical:
		return "Critical"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// ParseSeverity accepts the String form in any case.
func ParseSeverity(value string) (Severity, error) {
	switch strings.ToLower(value) {
	case "none", "":
		return None, nil
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	default:
		return None, fmt.Errorf("unknown tamper severity %q", value)
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Signal kinds reported by the platform detector.
const (
	KindSerialMismatch   = "serial_mismatch"
	KindIMEIMismatch     = "imei_mismatch"
	KindRoot             = "root"
	KindUSBDebugging     = "usb_debugging"
	KindDeveloperOptions = "developer_options"
	KindBootloaderUnlock = "bootloader_unlock"
	KindCustomROM        = "custom_rom"
	KindRAMChanged       = "ram_changed"
	KindStorageChanged   = "storage_changed"

	// Attempt kinds are discrete events rather than conditions: each
	// report is one attempt.
	KindRemovalAttempt = "removal_attempt"
	KindDisableAttempt = "disable_attempt"
)

// Signal is one detector report.
type Signal struct {
	Kind string `json:"kind"`
	// Severity is the detector's own assessment. The aggregator uses
	// the higher of this and the policy severity for Kind.
	Severity   Severity  `json:"severity"`
	Detail     string    `json:"detail,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// ActiveSignal is a signal currently contributing to the overall
// severity.
type ActiveSignal struct {
	Kind string
	// Severity is the effective severity, after policy and attempt
	// escalation.
	Severity  Severity
	Detail    string
	FirstSeen time.Time
	LastSeen  time.Time
	// Attempts counts reports inside the freshness window. Always zero
	// for kinds the policy does not list as attempt kinds.
	Attempts int
}

// Status is the aggregate tamper state.
type Status struct {
	Overall Severity
	Active  []ActiveSignal
}
