// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/bureau-foundation/warden/lib/atomicfile"
	"github.com/bureau-foundation/warden/lib/audit"
	"github.com/bureau-foundation/warden/lib/codec"
	"github.com/bureau-foundation/warden/lib/command"
	"github.com/bureau-foundation/warden/lib/compress"
	"github.com/bureau-foundation/warden/lib/devicekey"
)

// stateVersion is bumped on incompatible changes to persistedState.
const stateVersion = 1

// CorruptionError describes a state file discarded at load.
type CorruptionError struct {
	Path string
	// MovedTo is where the unreadable file was renamed, empty if the
	// rename failed.
	MovedTo    string
	DetectedAt time.Time
	Err        error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("queue state %s unreadable: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

type persistedState struct {
	Version    int                `cbor:"version"`
	Active     []persistedCommand `cbor:"active"`
	History    []persistedCommand `cbor:"history"`
	Tombstones []string           `cbor:"tombstones"`
	NextOrder  uint64             `cbor:"next_order"`
}

type persistedCommand struct {
	ID         string            `cbor:"id"`
	Kind       string            `cbor:"kind"`
	Parameters map[string]string `cbor:"parameters,omitempty"`
	Signature  []byte            `cbor:"signature,omitempty"`
	Status     int               `cbor:"status"`
	Priority   int               `cbor:"priority"`
	Origin     int               `cbor:"origin"`

	// Times are Unix nanoseconds, 0 for unset.
	EnqueuedAt           int64 `cbor:"enqueued_at"`
	ExpiresAt            int64 `cbor:"expires_at"`
	ExecutionStartedAt   int64 `cbor:"started_at"`
	ExecutionCompletedAt int64 `cbor:"completed_at"`

	ExecutionResult string `cbor:"result,omitempty"`
	RetryCount      int    `cbor:"retry_count"`
	Order           uint64 `cbor:"order"`
	Reported        bool   `cbor:"reported"`
	Committed       bool   `cbor:"committed,omitempty"`
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encodeItem(entry *item) persistedCommand {
	c := entry.command
	return persistedCommand{
		ID:                   c.ID,
		Kind:                 c.Kind.Name(),
		Parameters:           c.Parameters,
		Signature:            c.Signature,
		Status:               int(c.Status),
		Priority:             c.Priority,
		Origin:               int(c.Origin),
		EnqueuedAt:           unixNano(c.EnqueuedAt),
		ExpiresAt:            unixNano(c.ExpiresAt),
		ExecutionStartedAt:   unixNano(c.ExecutionStartedAt),
		ExecutionCompletedAt: unixNano(c.ExecutionCompletedAt),
		ExecutionResult:      c.ExecutionResult,
		RetryCount:           c.RetryCount,
		Order:                entry.order,
		Reported:             entry.reported,
		Committed:            entry.committed,
	}
}

func decodeItem(p persistedCommand) (*item, error) {
	kind, err := command.ParseKind(p.Kind, p.Parameters)
	if err != nil {
		return nil, fmt.Errorf("command %s: %w", p.ID, err)
	}
	c := &command.Command{
		ID:                   p.ID,
		Kind:                 kind,
		Parameters:           p.Parameters,
		Signature:            p.Signature,
		Status:               command.Status(p.Status),
		Priority:             p.Priority,
		Origin:               command.Origin(p.Origin),
		EnqueuedAt:           fromUnixNano(p.EnqueuedAt),
		ExpiresAt:            fromUnixNano(p.ExpiresAt),
		ExecutionStartedAt:   fromUnixNano(p.ExecutionStartedAt),
		ExecutionCompletedAt: fromUnixNano(p.ExecutionCompletedAt),
		ExecutionResult:      p.ExecutionResult,
		RetryCount:           p.RetryCount,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &item{command: c, order: p.Order, reported: p.Reported, committed: p.Committed}, nil
}

// Persist writes the queue to its state file if anything changed since
// the last write. A queue without a Path is a no-op. A write that still
// fails after atomicfile's retry marks the queue degraded and is
// audited once per failure streak.
func (q *Queue) Persist() error {
	if q.path == "" {
		return nil
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	if !q.dirty {
		q.mu.Unlock()
		return nil
	}
	state := persistedState{
		Version:    stateVersion,
		Tombstones: append([]string(nil), q.tombstones...),
		NextOrder:  q.nextOrder,
	}
	for _, current := range q.active {
		state.Active = append(state.Active, encodeItem(current))
	}
	for _, finished := range q.history {
		state.History = append(state.History, encodeItem(finished))
	}
	q.dirty = false
	q.mu.Unlock()

	err := q.write(state)

	q.mu.Lock()
	wasDegraded := q.degraded
	q.degraded = err != nil
	if err != nil {
		q.dirty = true
	}
	q.mu.Unlock()

	ctx := context.Background()
	switch {
	case err != nil && !wasDegraded:
		q.logger.Error("command queue state write failed", "path", q.path, "error", err)
		q.record(ctx, audit.Record{
			Category: audit.CategoryStorage,
			Action:   "QUEUE_PERSIST_FAILED",
			Details:  map[string]string{"path": q.path, "error": err.Error()},
			Severity: audit.SeverityCritical,
		})
		if q.onDegraded != nil {
			q.onDegraded(true)
		}
	case err == nil && wasDegraded:
		q.logger.Info("command queue state write recovered", "path", q.path)
		q.record(ctx, audit.Record{
			Category: audit.CategoryStorage,
			Action:   "QUEUE_PERSIST_RESTORED",
			Details:  map[string]string{"path": q.path},
			Severity: audit.SeverityInfo,
		})
		if q.onDegraded != nil {
			q.onDegraded(false)
		}
	}
	return err
}

func (q *Queue) write(state persistedState) error {
	encoded, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding queue state: %w", err)
	}
	packed, err := compress.Pack(encoded, compress.LZ4)
	if err != nil {
		return fmt.Errorf("compressing queue state: %w", err)
	}
	sealed, err := q.sealer.Seal(devicekey.PurposeQueue, packed)
	if err != nil {
		return fmt.Errorf("sealing queue state: %w", err)
	}
	return atomicfile.WriteRetry(q.path, sealed, 0o600)
}

// load restores the queue from its state file. A missing file is a
// fresh queue. Anything else that fails is treated as corruption.
func (q *Queue) load(ctx context.Context) {
	state, err := readState(q.path, q.sealer)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		q.quarantine(ctx, err)
		return
	}

	active := make(map[string]*item, len(state.Active))
	var recovered, completed []*item
	for _, persisted := range state.Active {
		entry, err := decodeItem(persisted)
		if err != nil {
			q.quarantine(ctx, err)
			return
		}
		if entry.command.Status == command.StatusExecuting && entry.committed {
			finished := entry.command.Clone()
			finished.Status = command.StatusExecuted
			finished.ExecutionCompletedAt = q.clock.Now()
			completed = append(completed, &item{command: finished, order: entry.order})
			continue
		}
		if entry.command.Status == command.StatusExecuting {
			retried := entry.command.Clone()
			retried.Status = command.StatusPending
			retried.ExecutionStartedAt = time.Time{}
			entry = &item{command: retried, order: entry.order}
			recovered = append(recovered, entry)
		}
		active[entry.command.ID] = entry
	}
	var history []*item
	for _, persisted := range state.History {
		entry, err := decodeItem(persisted)
		if err != nil {
			q.quarantine(ctx, err)
			return
		}
		history = append(history, entry)
	}

	q.active = active
	for _, finished := range history {
		q.appendHistoryLocked(finished)
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].order < completed[j].order })
	for _, finished := range completed {
		q.appendHistoryLocked(finished)
	}
	for _, id := range state.Tombstones {
		q.tombstoneLocked(id)
	}
	q.nextOrder = state.NextOrder

	for _, entry := range completed {
		q.dirty = true
		q.record(ctx, audit.Record{
			Category: audit.CategoryQueue,
			Action:   "COMMAND_COMPLETED_AT_LOAD",
			Details: map[string]string{
				"command_id": entry.command.ID,
				"kind":       entry.command.Kind.Name(),
				"result":     entry.command.ExecutionResult,
			},
			Severity: audit.SeverityWarning,
		})
	}
	for _, entry := range recovered {
		q.dirty = true
		q.record(ctx, audit.Record{
			Category: audit.CategoryQueue,
			Action:   "COMMAND_RECOVERED",
			Details: map[string]string{
				"command_id": entry.command.ID,
				"kind":       entry.command.Kind.Name(),
			},
			Severity: audit.SeverityWarning,
		})
	}
	q.logger.Info("command queue loaded",
		"path", q.path,
		"active", len(q.active),
		"history", len(q.history),
		"recovered", len(recovered),
		"completed", len(completed),
	)
}

// ReadFile decodes a queue state file without opening a Queue, for
// offline inspection. Active commands are in dispatch order.
func ReadFile(path string, sealer Sealer) (*Snapshot, error) {
	state, err := readState(path, sealer)
	if err != nil {
		return nil, err
	}
	var active []*item
	for _, persisted := range state.Active {
		entry, err := decodeItem(persisted)
		if err != nil {
			return nil, err
		}
		active = append(active, entry)
	}
	sort.Slice(active, func(i, j int) bool { return before(active[i], active[j]) })

	snapshot := &Snapshot{}
	for _, entry := range active {
		snapshot.Active = append(snapshot.Active, entry.command)
	}
	for _, persisted := range state.History {
		entry, err := decodeItem(persisted)
		if err != nil {
			return nil, err
		}
		snapshot.History = append(snapshot.History, entry.command)
	}
	return snapshot, nil
}

func readState(path string, sealer Sealer) (persistedState, error) {
	var state persistedState
	sealed, err := atomicfile.Read(path)
	if err != nil {
		return state, err
	}
	packed, err := sealer.Open(devicekey.PurposeQueue, sealed)
	if err != nil {
		return state, err
	}
	encoded, err := compress.Unpack(packed)
	if err != nil {
		return state, err
	}
	if err := codec.Unmarshal(encoded, &state); err != nil {
		return state, fmt.Errorf("decoding queue state: %w", err)
	}
	if state.Version != stateVersion {
		return state, fmt.Errorf("unsupported queue state version %d", state.Version)
	}
	return state, nil
}

// quarantine moves an unreadable state file aside and records it. The
// queue is left empty.
func (q *Queue) quarantine(ctx context.Context, cause error) {
	now := q.clock.Now()
	corruption := &CorruptionError{Path: q.path, DetectedAt: now, Err: cause}

	movedTo := fmt.Sprintf("%s.corrupt-%d", q.path, now.Unix())
	if err := os.Rename(q.path, movedTo); err != nil {
		q.logger.Error("moving corrupt queue state aside failed",
			"path", q.path,
			"error", err,
		)
	} else {
		corruption.MovedTo = movedTo
	}

	q.active = make(map[string]*item)
	q.history = nil
	q.historyIDs = make(map[string]*item)
	q.tombstones = nil
	q.tombstoned = make(map[string]struct{})
	q.corruption = corruption
	q.dirty = true

	q.logger.Error("command queue state discarded",
		"path", q.path,
		"moved_to", corruption.MovedTo,
		"error", cause,
	)
	q.record(ctx, audit.Record{
		Category: audit.CategoryStorage,
		Action:   "QUEUE_CORRUPTED",
		Details: map[string]string{
			"path":     q.path,
			"moved_to": corruption.MovedTo,
			"error":    cause.Error(),
		},
		Severity: audit.SeverityCritical,
	})
}
