// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lockstate

import (
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/warden/lib/command"
)

// State is the derived device lock state. The numeric order is the
// precedence order.
type State int

const (
	Unlocked State = iota
	Soft
	Hard
	Permanent
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "Unlocked"
	case Soft:
		return "Soft"
	case Hard:
		return "Hard"
	case Permanent:
		return "Permanent"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name for JSON event consumers.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState accepts the String form in any case.
func ParseState(value string) (State, error) {
	switch strings.ToLower(value) {
	case "unlocked":
		return Unlocked, nil
	case "soft":
		return Soft, nil
	case "hard":
		return Hard, nil
	case "permanent":
		return Permanent, nil
	default:
		return Unlocked, fmt.Errorf("unknown lock state %q", value)
	}
}

// FromLockType maps a lock type to the state it produces.
func FromLockType(lockType command.LockType) State {
	switch lockType {
	case command.LockSoft:
		return Soft
	case command.LockHard:
		return Hard
	case command.LockPermanent:
		return Permanent
	default:
		return Unlocked
	}
}

// LockType returns the lock type for a locked state. It is zero for
// Unlocked.
func (s State) LockType() command.LockType {
	switch s {
	case Soft:
		return command.LockSoft
	case Hard:
		return command.LockHard
	case Permanent:
		return command.LockPermanent
	default:
		return 0
	}
}

// Source records what created a lock record.
type Source string

const (
	// SourceCommand records come from signed remote commands.
	SourceCommand Source = "command"
	// SourceInternal records come from on-device commands (tamper
	// response) and fail-secure recovery.
	SourceInternal Source = "internal"
	// SourceAdvisory records come from the sync response lock status.
	SourceAdvisory Source = "advisory"
	// SourceTimer records come from soft-lock escalation.
	SourceTimer Source = "timer"
)

// Record is one lock. Records refer to their originating command by id
// only.
type Record struct {
	ID              string           `cbor:"id"`
	LockType        command.LockType `cbor:"lock_type"`
	Reason          string           `cbor:"reason"`
	Message         string           `cbor:"message,omitempty"`
	AppliedAt       time.Time        `cbor:"applied_at"`
	ExpiresAt       time.Time        `cbor:"expires_at"`
	SourceCommandID string           `cbor:"source_command_id,omitempty"`
	Source          Source           `cbor:"source"`
}

// Expired reports whether now is strictly after the record's expiry,
// the same boundary as command.Command.Expired. Records with a zero
// ExpiresAt never expire.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Derive returns the strongest lock among records that have not
// expired at now.
func Derive(records []Record, now time.Time) State {
	state := Unlocked
	for _, record := range records {
		if record.Expired(now) {
			continue
		}
		if candidate := FromLockType(record.LockType); candidate > state {
			state = candidate
		}
	}
	return state
}

// strongest returns the active record that determines the state, or
// false when unlocked.
func strongest(records []Record, now time.Time) (Record, bool) {
	var best Record
	found := false
	for _, record := range records {
		if record.Expired(now) {
			continue
		}
		if !found || record.LockType > best.LockType {
			best = record
			found = true
		}
	}
	return best, found
}

// Event is published to the UI notifier on every state change, warning,
// and change of the enforcement or degraded flags.
type Event struct {
	State    State     `json:"state"`
	Previous State     `json:"previous"`
	Reason   string    `json:"reason,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`

	// Warning is set for Warn commands, which show a message without
	// changing state.
	Warning bool `json:"warning,omitempty"`

	EnforcementPending bool `json:"enforcement_pending"`
	Degraded           bool `json:"degraded"`
}

// Notifier receives lock state events for overlay rendering. Calls are
// made with the controller lock held and must not call back into the
// controller.
type Notifier interface {
	LockStateChanged(event Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) LockStateChanged(event Event) { f(event) }

// View is an immutable snapshot of the controller.
type View struct {
	State              State
	Records            []Record
	EnforcementPending bool
	Degraded           bool
	UpdatedAt          time.Time
}
