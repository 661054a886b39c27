// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tamper

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/tidwall/jsonc"
)

// Policy maps signal kinds to severities and sets the aggregation
// windows.
type Policy struct {
	Severities map[string]Severity

	// FreshnessWindow is how long a signal stays active without being
	// re-reported.
	FreshnessWindow time.Duration

	// AttemptThreshold is the number of reports of one attempt kind
	// inside the freshness window that escalates it to Critical. Zero
	// disables attempt escalation.
	AttemptThreshold int

	// AttemptKinds lists the kinds whose reports count toward
	// AttemptThreshold. Other kinds are conditions the detector
	// re-reports to keep active, and re-reports never escalate them.
	AttemptKinds []string

	// UnknownSeverity applies to kinds missing from Severities.
	UnknownSeverity Severity
}

// DefaultPolicy returns the built-in severities: identity mismatches
// and security posture changes are High, hardware and ROM changes are
// Medium.
func DefaultPolicy() Policy {
	return Policy{
		Severities: map[string]Severity{
			KindSerialMismatch:   High,
			KindIMEIMismatch:     High,
			KindRoot:             High,
			KindUSBDebugging:     High,
			KindDeveloperOptions: High,
			KindBootloaderUnlock: High,
			KindCustomROM:        Medium,
			KindRAMChanged:       Medium,
			KindStorageChanged:   Medium,
			KindRemovalAttempt:   Medium,
			KindDisableAttempt:   Medium,
		},
		FreshnessWindow:  10 * time.Minute,
		AttemptThreshold: 3,
		AttemptKinds:     []string{KindRemovalAttempt, KindDisableAttempt},
		UnknownSeverity:  Medium,
	}
}

// SeverityFor returns the policy severity for kind.
func (p Policy) SeverityFor(kind string) Severity {
	if severity, ok := p.Severities[kind]; ok {
		return severity
	}
	return p.UnknownSeverity
}

// IsAttemptKind reports whether reports of kind count as attempts.
func (p Policy) IsAttemptKind(kind string) bool {
	return slices.Contains(p.AttemptKinds, kind)
}

// Validate checks the windows.
func (p Policy) Validate() error {
	var errs []error
	if p.FreshnessWindow <= 0 {
		errs = append(errs, fmt.Errorf("freshness_window must be positive, got %s", p.FreshnessWindow))
	}
	if p.AttemptThreshold < 0 {
		errs = append(errs, fmt.Errorf("attempt_threshold must not be negative, got %d", p.AttemptThreshold))
	}
	return errors.Join(errs...)
}

// policyFile is the on-disk shape. Absent fields keep the base value.
type policyFile struct {
	Severities       map[string]Severity `json:"severities"`
	FreshnessWindow  string              `json:"freshness_window"`
	AttemptThreshold *int                `json:"attempt_threshold"`
	AttemptKinds     []string            `json:"attempt_kinds"`
	UnknownSeverity  *Severity           `json:"unknown_severity"`
}

// ParsePolicy applies a JSONC policy document on top of base.
func ParsePolicy(data []byte, base Policy) (Policy, error) {
	var file policyFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return Policy{}, fmt.Errorf("parsing tamper policy: %w", err)
	}

	policy := base
	policy.Severities = maps.Clone(base.Severities)
	if policy.Severities == nil {
		policy.Severities = make(map[string]Severity)
	}
	maps.Copy(policy.Severities, file.Severities)
	if file.FreshnessWindow != "" {
		window, err := time.ParseDuration(file.FreshnessWindow)
		if err != nil {
			return Policy{}, fmt.Errorf("parsing tamper policy freshness_window: %w", err)
		}
		policy.FreshnessWindow = window
	}
	if file.AttemptThreshold != nil {
		policy.AttemptThreshold = *file.AttemptThreshold
	}
	if file.AttemptKinds != nil {
		policy.AttemptKinds = slices.Clone(file.AttemptKinds)
	}
	if file.UnknownSeverity != nil {
		policy.UnknownSeverity = *file.UnknownSeverity
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, fmt.Errorf("tamper policy: %w", err)
	}
	return policy, nil
}

// LoadPolicy reads a JSONC policy file and applies it on top of base.
func LoadPolicy(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("reading tamper policy: %w", err)
	}
	policy, err := ParsePolicy(data, base)
	if err != nil {
		return Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	return policy, nil
}
