// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/warden/lib/codec"
)

// Status is a command's lifecycle position.
type Status int

const (
	StatusPending Status = iota
	StatusExecuting
	StatusExecuted
	StatusFailed
	StatusExpired
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusExecuting:
		return "EXECUTING"
	case StatusExecuted:
		return "EXECUTED"
	case StatusFailed:
		return "FAILED"
	case StatusExpired:
		return "EXPIRED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// IsTerminal reports whether s is a final status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s may move to next. Statuses move
// forward only; the one backward edge is EXECUTING to PENDING, used
// when a failed attempt is scheduled for retry. PENDING may go straight
// to a terminal status when a command expires or is cancelled without
// being dispatched.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusExecuting || next == StatusExpired || next == StatusCancelled
	case StatusExecuting:
		return next == StatusPending || next.IsTerminal()
	default:
		return false
	}
}

// Origin records where a command came from.
type Origin int

const (
	// OriginRemote commands were delivered by the backend and must be
	// signed.
	OriginRemote Origin = iota
	// OriginInternal commands were synthesized on the device.
	OriginInternal
)

func (o Origin) String() string {
	if o == OriginInternal {
		return "internal"
	}
	return "remote"
}

// Priority bounds.
const (
	MinPriority = 1
	MaxPriority = 10
)

// ErrMalformed is wrapped by Validate failures.
var ErrMalformed = errors.New("malformed command")

// Command is one control command and its execution bookkeeping.
type Command struct {
	ID   string
	Kind Kind

	// Parameters are the wire parameters exactly as signed.
	Parameters map[string]string
	Signature  []byte

	Status   Status
	Priority int
	Origin   Origin

	EnqueuedAt time.Time
	// ExpiresAt is zero for commands that never expire.
	ExpiresAt time.Time

	ExecutionStartedAt   time.Time
	ExecutionCompletedAt time.Time
	ExecutionResult      string
	RetryCount           int
}

// NewInternal builds an unsigned on-device command for kind.
func NewInternal(kind Kind, priority int, now time.Time) *Command {
	return &Command{
		ID:         "internal-" + uuid.NewString(),
		Kind:       kind,
		Parameters: kind.Parameters(),
		Status:     StatusPending,
		Priority:   priority,
		Origin:     OriginInternal,
		EnqueuedAt: now,
	}
}

// Validate checks the fields every command must carry. Errors wrap
// ErrMalformed.
func (c *Command) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if c.Kind == nil {
		return fmt.Errorf("%w: %s: missing kind", ErrMalformed, c.ID)
	}
	if c.Priority < MinPriority || c.Priority > MaxPriority {
		return fmt.Errorf("%w: %s: priority %d outside %d-%d", ErrMalformed, c.ID, c.Priority, MinPriority, MaxPriority)
	}
	return nil
}

// Expired reports whether now is strictly after the command's expiry. A
// command is still dispatchable at exactly ExpiresAt.
func (c *Command) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Clone returns a deep copy.
func (c *Command) Clone() *Command {
	clone := *c
	clone.Parameters = maps.Clone(c.Parameters)
	if c.Signature != nil {
		clone.Signature = append([]byte(nil), c.Signature...)
	}
	return &clone
}

// CanonicalPayload returns the bytes a backend signs for c: the
// deterministic CBOR encoding of {id, kind, parameters, expires_at},
// with expires_at in Unix seconds and 0 for never.
func CanonicalPayload(c *Command) ([]byte, error) {
	if c.Kind == nil {
		return nil, fmt.Errorf("%w: %s: missing kind", ErrMalformed, c.ID)
	}
	parameters := c.Parameters
	if parameters == nil {
		parameters = map[string]string{}
	}
	var expiresAt int64
	if !c.ExpiresAt.IsZero() {
		expiresAt = c.ExpiresAt.Unix()
	}
	return codec.Marshal(map[string]any{
		"id":         c.ID,
		"kind":       c.Kind.Name(),
		"parameters": parameters,
		"expires_at": expiresAt,
	})
}
