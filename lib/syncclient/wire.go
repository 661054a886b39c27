// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/bureau-foundation/warden/lib/command"
)

// Mode selects the sync cadence a request belongs to.
type Mode string

const (
	ModeHeartbeat Mode = "heartbeat"
	ModeFull      Mode = "full"
)

// Request is the device snapshot sent on every sync.
type Request struct {
	DeviceID string `json:"device_id"`
	// BatteryLevel is omitted when the device has no readable battery.
	BatteryLevel       *int   `json:"battery_level,omitempty"`
	LockState          string `json:"lock_state"`
	TamperSeverity     string `json:"tamper_severity"`
	LastSyncOK         bool   `json:"last_sync_ok"`
	Mode               Mode   `json:"mode"`
	EnforcementPending bool   `json:"enforcement_pending"`
	Degraded           bool   `json:"degraded,omitempty"`
	QueueCorrupted     bool   `json:"queue_corrupted"`

	CommandResults []CommandResult `json:"command_results,omitempty"`
	Diagnostics    *Diagnostics    `json:"diagnostics,omitempty"`
}

// CommandResult reports a command that reached a terminal status.
type CommandResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	// CompletedAt is Unix seconds.
	CompletedAt int64 `json:"completed_at"`
	RetryCount  int   `json:"retry_count,omitempty"`
}

// Diagnostics is the extended payload of a full verification.
type Diagnostics struct {
	ActiveSignals []SignalReport `json:"active_signals"`
	QueueDepth    int            `json:"queue_depth"`
	LockRecords   int            `json:"lock_records"`
	AuditHeadSeq  uint64         `json:"audit_head_seq"`
	AuditHeadHash string         `json:"audit_head_hash,omitempty"`
	AgentVersion  string         `json:"agent_version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	MemoryTotalMB int            `json:"memory_total_mb,omitempty"`
	KernelRelease string         `json:"kernel_release,omitempty"`
}

// SignalReport summarizes one active tamper signal.
type SignalReport struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Attempts int    `json:"attempts"`
	// LastSeen is Unix seconds.
	LastSeen int64 `json:"last_seen"`
}

// Response is the backend's answer to a sync.
type Response struct {
	LockStatus   *LockStatus   `json:"lock_status,omitempty"`
	Commands     []WireCommand `json:"commands"`
	ServerTime   string        `json:"server_time,omitempty"`
	Deactivation *Deactivation `json:"deactivation,omitempty"`
}

// LockStatus is the advisory lock hint.
type LockStatus struct {
	IsLocked bool `json:"is_locked"`
	// LockType is "Soft" or "Hard"; empty means Hard.
	LockType string `json:"lock_type,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// DeactivateNow is the Deactivation command asking the agent to stop
// managing the device.
const DeactivateNow = "DEACTIVATE_NOW"

// Deactivation reports whether the backend has released the device.
type Deactivation struct {
	Status  string `json:"status"`
	Command string `json:"command,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// WireCommand is a signed command as delivered by the backend.
type WireCommand struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Parameters map[string]string `json:"parameters"`
	// Signature is base64 (standard encoding) ASN.1 DER ECDSA.
	Signature string `json:"signature"`
	Priority  int    `json:"priority"`
	// ExpiresAt is Unix seconds; 0 means never.
	ExpiresAt int64 `json:"expires_at"`
}

// Command converts w into a remote command. The signature is decoded
// but not verified; the executor verifies before dispatch.
func (w WireCommand) Command() (*command.Command, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("%w: command without id", command.ErrMalformed)
	}
	kind, err := command.ParseKind(w.Kind, w.Parameters)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", w.ID, err)
	}
	signature, err := base64.StdEncoding.DecodeString(w.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: signature is not base64: %v", command.ErrMalformed, w.ID, err)
	}
	parameters := w.Parameters
	if parameters == nil {
		parameters = map[string]string{}
	}
	cmd := &command.Command{
		ID:         w.ID,
		Kind:       kind,
		Parameters: parameters,
		Signature:  signature,
		Status:     command.StatusPending,
		Priority:   w.Priority,
		Origin:     command.OriginRemote,
	}
	if w.ExpiresAt != 0 {
		cmd.ExpiresAt = time.Unix(w.ExpiresAt, 0).UTC()
	}
	return cmd, nil
}

// NewWireCommand encodes cmd for the wire. Fleet tooling and tests use
// it to build responses.
func NewWireCommand(cmd *command.Command) WireCommand {
	wire := WireCommand{
		ID:         cmd.ID,
		Kind:       cmd.Kind.Name(),
		Parameters: cmd.Parameters,
		Signature:  base64.StdEncoding.EncodeToString(cmd.Signature),
		Priority:   cmd.Priority,
	}
	if !cmd.ExpiresAt.IsZero() {
		wire.ExpiresAt = cmd.ExpiresAt.Unix()
	}
	return wire
}

// parseServerTime accepts RFC 3339 with or without fractional seconds.
func parseServerTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}
