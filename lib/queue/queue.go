// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/warden/lib/audit"
	"github.com/bureau-foundation/warden/lib/clock"
	"github.com/bureau-foundation/warden/lib/command"
	"github.com/bureau-foundation/warden/lib/devicekey"
)

var (
	// ErrInvalidCommand wraps validation failures from Enqueue.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrQueueFull is returned when the incoming command is itself the
	// eviction victim, or every active command is executing.
	ErrQueueFull = errors.New("command queue full")

	// ErrNotFound is returned for ids that are not active.
	ErrNotFound = errors.New("command not active")

	// ErrInvalidTransition is returned for status changes the command
	// lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ResultEvicted is the ExecutionResult of a PENDING command evicted to
// make room.
const ResultEvicted = "queue_eviction"

// Sealer encrypts the state file. *devicekey.KeySet implements it.
type Sealer interface {
	Seal(purpose devicekey.Purpose, plaintext []byte) ([]byte, error)
	Open(purpose devicekey.Purpose, blob []byte) ([]byte, error)
}

// Config configures a Queue.
type Config struct {
	// Path is the state file. Empty keeps the queue in memory only.
	Path   string
	Sealer Sealer

	Audit  audit.Recorder
	Clock  clock.Clock
	Logger *slog.Logger

	Capacity     int
	HistoryLimit int

	// OnDegraded, if set, is called outside the queue lock whenever
	// the state file starts or stops failing to write.
	OnDegraded func(degraded bool)
}

// item is a command plus the queue's bookkeeping. Items are replaced,
// never mutated, once published in a snapshot.
type item struct {
	command *command.Command
	// order breaks priority and EnqueuedAt ties by insertion.
	order    uint64
	reported bool
	// committed marks an EXECUTING command whose side effect may have
	// happened. Load finishes it as EXECUTED instead of retrying it.
	committed bool
}

// Snapshot is an immutable view of the queue. Callers must not modify
// the commands.
type Snapshot struct {
	Active  []*command.Command
	History []*command.Command
}

// Queue is the command queue. All mutation is serialized by one lock.
type Queue struct {
	path   string
	sealer Sealer
	audit  audit.Recorder
	clock  clock.Clock
	logger *slog.Logger

	capacity       int
	historyLimit   int
	tombstoneLimit int
	onDegraded     func(bool)

	// persistMu serializes Persist from snapshot through rename, so an
	// older snapshot never replaces a newer one.
	persistMu sync.Mutex

	mu         sync.Mutex
	active     map[string]*item
	history    []*item
	historyIDs map[string]*item
	tombstones []string
	tombstoned map[string]struct{}
	nextOrder  uint64
	dirty      bool
	corruption *CorruptionError
	degraded   bool

	snapshot atomic.Pointer[Snapshot]
}

// Open creates the queue and loads its state file. A corrupted file is
// not an error: the queue starts empty, the file is moved aside, and
// Corruption reports what happened.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Audit == nil {
		return nil, fmt.Errorf("queue: Audit is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("queue: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("queue: Logger is required")
	}
	if cfg.Path != "" && cfg.Sealer == nil {
		return nil, fmt.Errorf("queue: Sealer is required with Path")
	}
	if cfg.Capacity <= 0 || cfg.HistoryLimit <= 0 {
		return nil, fmt.Errorf("queue: Capacity and HistoryLimit must be positive")
	}

	queue := &Queue{
		path:           cfg.Path,
		sealer:         cfg.Sealer,
		audit:          cfg.Audit,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		capacity:       cfg.Capacity,
		historyLimit:   cfg.HistoryLimit,
		tombstoneLimit: 4 * cfg.HistoryLimit,
		onDegraded:     cfg.OnDegraded,
		active:         make(map[string]*item),
		historyIDs:     make(map[string]*item),
		tombstoned:     make(map[string]struct{}),
	}
	if cfg.Path != "" {
		queue.load(ctx)
	}
	queue.publish()
	return queue, nil
}

// Enqueue adds cmd as PENDING with EnqueuedAt set to now. A command
// whose id is already active, in history, or tombstoned is ignored and
// Enqueue returns false. At capacity the lowest-priority, oldest
// PENDING command is cancelled to make room and recorded as
// QUEUE_EVICTION; if the incoming command would be that victim it is
// refused with ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, cmd *command.Command) (bool, error) {
	if err := cmd.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.knownLocked(cmd.ID) {
		q.logger.Debug("duplicate command ignored", "command_id", cmd.ID)
		return false, nil
	}

	incoming := cmd.Clone()
	incoming.Status = command.StatusPending
	incoming.EnqueuedAt = q.clock.Now()
	incoming.ExecutionStartedAt = time.Time{}
	incoming.ExecutionCompletedAt = time.Time{}

	if len(q.active) >= q.capacity {
		victim := q.evictionVictimLocked()
		if victim == nil || incoming.Priority < victim.command.Priority {
			evicted := incoming.ID
			if victim == nil {
				evicted = ""
			}
			q.record(ctx, audit.Record{
				Category: audit.CategoryQueue,
				Action:   "QUEUE_EVICTION",
				Details: map[string]string{
					"command_id": incoming.ID,
					"evicted_id": evicted,
					"reason":     "incoming command refused at capacity",
				},
				Severity: audit.SeverityWarning,
			})
			return false, fmt.Errorf("%w: %d active commands", ErrQueueFull, len(q.active))
		}

		evicted := victim.command.Clone()
		evicted.Status = command.StatusCancelled
		evicted.ExecutionCompletedAt = q.clock.Now()
		evicted.ExecutionResult = ResultEvicted
		delete(q.active, evicted.ID)
		q.appendHistoryLocked(&item{command: evicted, order: victim.order})
		q.record(ctx, audit.Record{
			Category: audit.CategoryQueue,
			Action:   "QUEUE_EVICTION",
			Details: map[string]string{
				"command_id": incoming.ID,
				"evicted_id": evicted.ID,
				"priority":   strconv.Itoa(evicted.Priority),
			},
			Severity: audit.SeverityWarning,
		})
	}

	q.active[incoming.ID] = &item{command: incoming, order: q.nextOrder}
	q.nextOrder++
	q.dirty = true
	q.publish()

	category := audit.CategoryCommand
	if incoming.Origin == command.OriginInternal {
		category = audit.CategoryInternalCommand
	}
	q.record(ctx, audit.Record{
		Category: category,
		Action:   "COMMAND_ENQUEUED",
		Details: map[string]string{
			"command_id": incoming.ID,
			"kind":       incoming.Kind.Name(),
			"priority":   strconv.Itoa(incoming.Priority),
		},
		Severity: audit.SeverityInfo,
	})
	return true, nil
}

// evictionVictimLocked returns the lowest-priority PENDING item,
// oldest first among equals, or nil if every item is executing.
func (q *Queue) evictionVictimLocked() *item {
	var victim *item
	for _, candidate := range q.active {
		if candidate.command.Status != command.StatusPending {
			continue
		}
		if victim == nil || worse(candidate, victim) {
			victim = candidate
		}
	}
	return victim
}

// worse orders items for eviction: lower priority, then older.
func worse(a, b *item) bool {
	if a.command.Priority != b.command.Priority {
		return a.command.Priority < b.command.Priority
	}
	if !a.command.EnqueuedAt.Equal(b.command.EnqueuedAt) {
		return a.command.EnqueuedAt.Before(b.command.EnqueuedAt)
	}
	return a.order < b.order
}

// before orders items for dispatch: higher priority, then earlier.
func before(a, b *item) bool {
	if a.command.Priority != b.command.Priority {
		return a.command.Priority > b.command.Priority
	}
	if !a.command.EnqueuedAt.Equal(b.command.EnqueuedAt) {
		return a.command.EnqueuedAt.Before(b.command.EnqueuedAt)
	}
	return a.order < b.order
}

// DequeueNext moves the next eligible command to EXECUTING and returns
// a copy. PENDING commands found expired on the way are marked EXPIRED.
// Returns false when nothing is eligible.
func (q *Queue) DequeueNext(ctx context.Context) (*command.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var expired []*item
	var next *item
	for _, candidate := range q.active {
		if candidate.command.Status != command.StatusPending {
			continue
		}
		if candidate.command.Expired(now) {
			expired = append(expired, candidate)
			continue
		}
		if candidate.command.EnqueuedAt.After(now) {
			continue
		}
		if next == nil || before(candidate, next) {
			next = candidate
		}
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].order < expired[j].order })
	for _, stale := range expired {
		q.terminateLocked(ctx, stale, command.StatusExpired, "expired before dispatch")
	}

	if next == nil {
		if len(expired) > 0 {
			q.publish()
		}
		return nil, false
	}

	dispatched := next.command.Clone()
	dispatched.Status = command.StatusExecuting
	dispatched.ExecutionStartedAt = now
	q.active[dispatched.ID] = &item{command: dispatched, order: next.order}
	q.dirty = true
	q.publish()
	return dispatched.Clone(), true
}

// MarkTerminal moves an active command to history with status and
// result.
func (q *Queue) MarkTerminal(ctx context.Context, id string, status command.Status, result string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !current.command.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, current.command.Status, status)
	}
	q.terminateLocked(ctx, current, status, result)
	q.publish()
	return nil
}

func (q *Queue) terminateLocked(ctx context.Context, current *item, status command.Status, result string) {
	finished := current.command.Clone()
	finished.Status = status
	finished.ExecutionResult = result
	finished.ExecutionCompletedAt = q.clock.Now()
	delete(q.active, finished.ID)
	q.appendHistoryLocked(&item{command: finished, order: current.order})
	q.dirty = true

	severity := audit.SeverityInfo
	if status == command.StatusFailed {
		severity = audit.SeverityWarning
	}
	category := audit.CategoryCommand
	if finished.Origin == command.OriginInternal {
		category = audit.CategoryInternalCommand
	}
	q.record(ctx, audit.Record{
		Category: category,
		Action:   "COMMAND_" + status.String(),
		Details: map[string]string{
			"command_id": finished.ID,
			"kind":       finished.Kind.Name(),
			"result":     result,
		},
		Severity: severity,
	})
}

// appendHistoryLocked adds a terminal item and evicts the oldest
// history entries beyond the limit into the tombstone ring.
func (q *Queue) appendHistoryLocked(finished *item) {
	q.history = append(q.history, finished)
	q.historyIDs[finished.command.ID] = finished
	for len(q.history) > q.historyLimit {
		oldest := q.history[0]
		q.history = q.history[1:]
		delete(q.historyIDs, oldest.command.ID)
		if !oldest.reported {
			q.logger.Warn("command result evicted before it was reported",
				"command_id", oldest.command.ID,
				"status", oldest.command.Status.String(),
			)
		}
		q.tombstoneLocked(oldest.command.ID)
	}
}

func (q *Queue) tombstoneLocked(id string) {
	q.tombstones = append(q.tombstones, id)
	q.tombstoned[id] = struct{}{}
	for len(q.tombstones) > q.tombstoneLimit {
		delete(q.tombstoned, q.tombstones[0])
		q.tombstones = q.tombstones[1:]
	}
}

// Requeue returns an EXECUTING command to PENDING for another attempt
// no earlier than notBefore, incrementing RetryCount.
func (q *Queue) Requeue(id string, notBefore time.Time, result string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !current.command.Status.CanTransition(command.StatusPending) {
		return fmt.Errorf("%w: %s %s -> PENDING", ErrInvalidTransition, id, current.command.Status)
	}
	retried := current.command.Clone()
	retried.Status = command.StatusPending
	retried.RetryCount++
	retried.EnqueuedAt = notBefore
	retried.ExecutionStartedAt = time.Time{}
	retried.ExecutionResult = result
	q.active[id] = &item{command: retried, order: current.order}
	q.dirty = true
	q.publish()
	return nil
}

// MarkCommitted records that an EXECUTING command is about to cause a
// side effect that must not be repeated, such as a reboot. If the agent
// restarts before the command is finished, load records it as EXECUTED
// with result instead of returning it to PENDING.
func (q *Queue) MarkCommitted(id string, result string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if current.command.Status != command.StatusExecuting {
		return fmt.Errorf("%w: %s is %s, not EXECUTING", ErrInvalidTransition, id, current.command.Status)
	}
	committed := current.command.Clone()
	committed.ExecutionResult = result
	q.active[id] = &item{command: committed, order: current.order, committed: true}
	q.dirty = true
	q.publish()
	return nil
}

// CancelAll cancels every PENDING command and returns how many.
func (q *Queue) CancelAll(ctx context.Context, reason string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []*item
	for _, candidate := range q.active {
		if candidate.command.Status == command.StatusPending {
			pending = append(pending, candidate)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].order < pending[j].order })
	for _, cancelled := range pending {
		q.terminateLocked(ctx, cancelled, command.StatusCancelled, reason)
	}
	q.publish()
	return len(pending)
}

// Contains reports whether id is active, in history, or tombstoned.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.knownLocked(id)
}

func (q *Queue) knownLocked(id string) bool {
	if _, ok := q.active[id]; ok {
		return true
	}
	if _, ok := q.historyIDs[id]; ok {
		return true
	}
	_, ok := q.tombstoned[id]
	return ok
}

// Get returns a copy of an active or historical command.
func (q *Queue) Get(id string) (*command.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if current, ok := q.active[id]; ok {
		return current.command.Clone(), true
	}
	if finished, ok := q.historyIDs[id]; ok {
		return finished.command.Clone(), true
	}
	return nil, false
}

// Len returns the number of active commands.
func (q *Queue) Len() int {
	return len(q.snapshot.Load().Active)
}

// Snapshot returns the current immutable view without locking.
func (q *Queue) Snapshot() *Snapshot {
	return q.snapshot.Load()
}

// publish rebuilds the snapshot. Active commands are in dispatch order.
func (q *Queue) publish() {
	items := make([]*item, 0, len(q.active))
	for _, current := range q.active {
		items = append(items, current)
	}
	sort.Slice(items, func(i, j int) bool { return before(items[i], items[j]) })

	snapshot := &Snapshot{
		Active:  make([]*command.Command, len(items)),
		History: make([]*command.Command, len(q.history)),
	}
	for i, current := range items {
		snapshot.Active[i] = current.command
	}
	for i, finished := range q.history {
		snapshot.History[i] = finished.command
	}
	q.snapshot.Store(snapshot)
}

// PendingReports returns terminal commands not yet reported upstream,
// oldest first.
func (q *Queue) PendingReports() []*command.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	var reports []*command.Command
	for _, finished := range q.history {
		if !finished.reported {
			reports = append(reports, finished.command.Clone())
		}
	}
	return reports
}

// MarkReported records that the backend acknowledged these results.
func (q *Queue) MarkReported(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		finished, ok := q.historyIDs[id]
		if !ok || finished.reported {
			continue
		}
		replacement := &item{command: finished.command, order: finished.order, reported: true}
		q.historyIDs[id] = replacement
		for i, candidate := range q.history {
			if candidate == finished {
				q.history[i] = replacement
				break
			}
		}
		q.dirty = true
	}
}

// CorruptionDetected reports whether the state file was discarded at
// load and the backend has not yet been told.
func (q *Queue) CorruptionDetected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.corruption != nil
}

// Corruption returns the load failure, or nil.
func (q *Queue) Corruption() *CorruptionError {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.corruption
}

// Degraded reports whether the last attempt to write the state file
// failed.
func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

// AcknowledgeCorruption clears the corruption flag once it has been
// reported upstream.
func (q *Queue) AcknowledgeCorruption() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.corruption = nil
}

func (q *Queue) record(ctx context.Context, record audit.Record) {
	if _, err := q.audit.Append(ctx, record); err != nil {
		q.logger.Error("audit append failed",
			"action", record.Action,
			"error", err,
		)
	}
}
