// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/warden/lib/audit"
	"github.com/bureau-foundation/warden/lib/clock"
	"github.com/bureau-foundation/warden/lib/command"
	"github.com/bureau-foundation/warden/lib/devicekey"
	"github.com/bureau-foundation/warden/lib/secret"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newKeySet(t *testing.T, fill byte) *devicekey.KeySet {
	t.Helper()
	master, err := secret.NewFromBytes(bytes.Repeat([]byte{fill}, devicekey.KeySize))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	keys, err := devicekey.NewKeySet(master)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	t.Cleanup(func() { keys.Close() })
	return keys
}

type fixture struct {
	queue    *Queue
	clock    *clock.FakeClock
	recorder *audit.Capture
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{clock: clock.Fake(epoch), recorder: audit.NewCapture()}
	if cfg.Capacity == 0 {
		cfg.Capacity = 1000
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 500
	}
	cfg.Audit = f.recorder
	cfg.Clock = f.clock
	cfg.Logger = slog.New(slog.DiscardHandler)
	queue, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.queue = queue
	return f
}

func newCommand(id string, priority int) *command.Command {
	return &command.Command{
		ID:       id,
		Kind:     command.RebootDevice{},
		Status:   command.StatusPending,
		Priority: priority,
	}
}

func mustEnqueue(t *testing.T, queue *Queue, cmd *command.Command) {
	t.Helper()
	added, err := queue.Enqueue(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", cmd.ID, err)
	}
	if !added {
		t.Fatalf("Enqueue(%s) ignored", cmd.ID)
	}
}

func TestDequeuePriorityOrder(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for i, priority := range []int{3, 9, 9, 1} {
		mustEnqueue(t, f.queue, newCommand(fmt.Sprintf("cmd-%d", i), priority))
		f.clock.Advance(time.Millisecond)
	}

	var got []string
	for {
		cmd, ok := f.queue.DequeueNext(ctx)
		if !ok {
			break
		}
		if cmd.Status != command.StatusExecuting {
			t.Errorf("%s status = %v, want EXECUTING", cmd.ID, cmd.Status)
		}
		got = append(got, cmd.ID)
	}
	want := []string{"cmd-1", "cmd-2", "cmd-0", "cmd-3"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("dequeue order = %v, want %v", got, want)
	}
}

func TestTiesBreakByInsertionOrder(t *testing.T) {
	f := newFixture(t, Config{})
	for i := range 5 {
		mustEnqueue(t, f.queue, newCommand(fmt.Sprintf("cmd-%d", i), 5))
	}
	for i := range 5 {
		cmd, ok := f.queue.DequeueNext(context.Background())
		if !ok {
			t.Fatalf("DequeueNext %d: empty", i)
		}
		if want := fmt.Sprintf("cmd-%d", i); cmd.ID != want {
			t.Errorf("dequeue %d = %s, want %s", i, cmd.ID, want)
		}
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	f := newFixture(t, Config{HistoryLimit: 2})
	ctx := context.Background()

	mustEnqueue(t, f.queue, newCommand("cmd-a", 5))
	added, err := f.queue.Enqueue(ctx, newCommand("cmd-a", 9))
	if err != nil || added {
		t.Fatalf("duplicate active Enqueue = (%v, %v), want (false, nil)", added, err)
	}
	if f.queue.Len() != 1 {
		t.Errorf("Len = %d, want 1", f.queue.Len())
	}

	cmd, _ := f.queue.DequeueNext(ctx)
	if err := f.queue.MarkTerminal(ctx, cmd.ID, command.StatusExecuted, "ok"); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	if added, _ := f.queue.Enqueue(ctx, newCommand("cmd-a", 5)); added {
		t.Error("Enqueue of a command in history was accepted")
	}

	// Push cmd-a out of history; the tombstone still rejects it.
	for _, id := range []string{"cmd-b", "cmd-c"} {
		mustEnqueue(t, f.queue, newCommand(id, 5))
		next, _ := f.queue.DequeueNext(ctx)
		if err := f.queue.MarkTerminal(ctx, next.ID, command.StatusExecuted, "ok"); err != nil {
			t.Fatalf("MarkTerminal(%s): %v", next.ID, err)
		}
	}
	if _, ok := f.queue.Get("cmd-a"); ok {
		t.Error("cmd-a still in history after eviction")
	}
	if !f.queue.Contains("cmd-a") {
		t.Error("Contains(cmd-a) = false after history eviction")
	}
	if added, _ := f.queue.Enqueue(ctx, newCommand("cmd-a", 5)); added {
		t.Error("Enqueue of a tombstoned command was accepted")
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.queue.Enqueue(context.Background(), newCommand("cmd-a", 11))
	if !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("Enqueue(priority 11) error = %v, want ErrInvalidCommand", err)
	}
}

func TestExpiredCommandsNeverDispatch(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	stale := newCommand("cmd-stale", 9)
	stale.ExpiresAt = epoch.Add(time.Minute)
	mustEnqueue(t, f.queue, stale)
	f.clock.Advance(2 * time.Minute)

	if cmd, ok := f.queue.DequeueNext(ctx); ok {
		t.Fatalf("DequeueNext returned expired command %s", cmd.ID)
	}
	got, ok := f.queue.Get("cmd-stale")
	if !ok || got.Status != command.StatusExpired {
		t.Errorf("expired command = %+v, want EXPIRED in history", got)
	}
	if len(f.recorder.Actions("COMMAND_EXPIRED")) != 1 {
		t.Error("no COMMAND_EXPIRED audit record")
	}
}

func TestCapacityEvictsLowestPriority(t *testing.T) {
	f := newFixture(t, Config{Capacity: 1000})
	ctx := context.Background()
	for i := range 1000 {
		mustEnqueue(t, f.queue, newCommand(fmt.Sprintf("cmd-%04d", i), 5))
	}

	mustEnqueue(t, f.queue, newCommand("cmd-urgent", 7))
	if f.queue.Len() != 1000 {
		t.Fatalf("Len = %d, want 1000", f.queue.Len())
	}
	evictions := f.recorder.Actions("QUEUE_EVICTION")
	if len(evictions) != 1 {
		t.Fatalf("QUEUE_EVICTION records = %d, want 1", len(evictions))
	}
	if evictions[0].Details["evicted_id"] != "cmd-0000" {
		t.Errorf("evicted %q, want the oldest lowest-priority cmd-0000", evictions[0].Details["evicted_id"])
	}
	evicted, ok := f.queue.Get("cmd-0000")
	if !ok || evicted.Status != command.StatusCancelled || evicted.ExecutionResult != ResultEvicted {
		t.Errorf("evicted command = %+v, want CANCELLED with %q", evicted, ResultEvicted)
	}

	_, err := f.queue.Enqueue(ctx, newCommand("cmd-low", 1))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue below every queued priority error = %v, want ErrQueueFull", err)
	}
	if f.queue.Contains("cmd-low") {
		t.Error("refused command is tracked")
	}
	if f.queue.Len() != 1000 {
		t.Errorf("Len after refusal = %d, want 1000", f.queue.Len())
	}
}

func TestRequeueDelaysRetry(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	mustEnqueue(t, f.queue, newCommand("cmd-a", 5))
	cmd, _ := f.queue.DequeueNext(ctx)

	if err := f.queue.Requeue(cmd.ID, f.clock.Now().Add(30*time.Second), "port timeout"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if _, ok := f.queue.DequeueNext(ctx); ok {
		t.Fatal("retry dispatched before its delay")
	}
	f.clock.Advance(30 * time.Second)
	retried, ok := f.queue.DequeueNext(ctx)
	if !ok {
		t.Fatal("retry not dispatched after its delay")
	}
	if retried.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", retried.RetryCount)
	}
}

func TestMarkTerminalTransitions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	mustEnqueue(t, f.queue, newCommand("cmd-a", 5))

	if err := f.queue.MarkTerminal(ctx, "cmd-a", command.StatusExecuted, "ok"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("PENDING -> EXECUTED error = %v, want ErrInvalidTransition", err)
	}
	if err := f.queue.MarkTerminal(ctx, "cmd-a", command.StatusExecuting, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("non-terminal status error = %v, want ErrInvalidTransition", err)
	}
	if err := f.queue.MarkTerminal(ctx, "missing", command.StatusFailed, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id error = %v, want ErrNotFound", err)
	}
	f.queue.DequeueNext(ctx)
	if err := f.queue.MarkTerminal(ctx, "cmd-a", command.StatusFailed, "hook exited 1"); err != nil {
		t.Fatalf("EXECUTING -> FAILED: %v", err)
	}
	got, _ := f.queue.Get("cmd-a")
	if got.Status != command.StatusFailed || got.ExecutionResult != "hook exited 1" {
		t.Errorf("command = %+v, want FAILED with result", got)
	}
}

func TestCancelAll(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	mustEnqueue(t, f.queue, newCommand("cmd-running", 9))
	mustEnqueue(t, f.queue, newCommand("cmd-a", 5))
	mustEnqueue(t, f.queue, newCommand("cmd-b", 5))
	f.queue.DequeueNext(ctx)

	if cancelled := f.queue.CancelAll(ctx, "data wipe"); cancelled != 2 {
		t.Errorf("CancelAll = %d, want 2", cancelled)
	}
	if f.queue.Len() != 1 {
		t.Errorf("Len = %d, want only the executing command", f.queue.Len())
	}
}

func TestConcurrentDequeueDispatchesOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	const count = 200
	for i := range count {
		mustEnqueue(t, f.queue, newCommand(fmt.Sprintf("cmd-%d", i), 1+i%10))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cmd, ok := f.queue.DequeueNext(ctx)
				if !ok {
					return
				}
				mu.Lock()
				seen[cmd.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != count {
		t.Errorf("dispatched %d distinct commands, want %d", len(seen), count)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("%s dispatched %d times", id, n)
		}
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	mustEnqueue(t, f.queue, newCommand("cmd-a", 5))
	before := f.queue.Snapshot()

	f.queue.DequeueNext(ctx)
	if before.Active[0].Status != command.StatusPending {
		t.Errorf("earlier snapshot changed to %v", before.Active[0].Status)
	}
	if f.queue.Snapshot().Active[0].Status != command.StatusExecuting {
		t.Error("new snapshot does not reflect dispatch")
	}
}

func TestPendingReports(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for _, id := range []string{"cmd-a", "cmd-b"} {
		mustEnqueue(t, f.queue, newCommand(id, 5))
		cmd, _ := f.queue.DequeueNext(ctx)
		if err := f.queue.MarkTerminal(ctx, cmd.ID, command.StatusExecuted, "ok"); err != nil {
			t.Fatalf("MarkTerminal: %v", err)
		}
	}

	reports := f.queue.PendingReports()
	if len(reports) != 2 || reports[0].ID != "cmd-a" {
		t.Fatalf("PendingReports = %d, want cmd-a then cmd-b", len(reports))
	}
	f.queue.MarkReported([]string{"cmd-a"})
	reports = f.queue.PendingReports()
	if len(reports) != 1 || reports[0].ID != "cmd-b" {
		t.Errorf("PendingReports after MarkReported = %v, want [cmd-b]", reports)
	}
}

func TestPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.bin")
	keys := newKeySet(t, 0x42)
	ctx := context.Background()

	first := newFixture(t, Config{Path: path, Sealer: keys, HistoryLimit: 2})
	lock := &command.Command{
		ID:         "cmd-lock",
		Kind:       command.LockDevice{LockType: command.LockHard},
		Parameters: map[string]string{command.ParamLockType: "Hard"},
		Signature:  []byte{1, 2, 3},
		Priority:   9,
		ExpiresAt:  epoch.Add(time.Hour),
	}
	mustEnqueue(t, first.queue, lock)
	mustEnqueue(t, first.queue, newCommand("cmd-reboot", 3))
	for _, id := range []string{"cmd-old-1", "cmd-old-2", "cmd-old-3"} {
		mustEnqueue(t, first.queue, newCommand(id, 10))
		cmd, _ := first.queue.DequeueNext(ctx)
		if err := first.queue.MarkTerminal(ctx, cmd.ID, command.StatusExecuted, "ok"); err != nil {
			t.Fatalf("MarkTerminal: %v", err)
		}
	}
	// Left EXECUTING, as after a crash mid-dispatch.
	if cmd, _ := first.queue.DequeueNext(ctx); cmd.ID != "cmd-lock" {
		t.Fatalf("dispatched %s, want cmd-lock", cmd.ID)
	}
	if err := first.queue.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	second := newFixture(t, Config{Path: path, Sealer: keys, HistoryLimit: 2})
	if second.queue.CorruptionDetected() {
		t.Fatalf("reload reported corruption: %v", second.queue.Corruption())
	}
	if second.queue.Len() != 2 {
		t.Fatalf("reloaded Len = %d, want 2", second.queue.Len())
	}
	restored, ok := second.queue.Get("cmd-lock")
	if !ok {
		t.Fatal("cmd-lock not restored")
	}
	if restored.Status != command.StatusPending {
		t.Errorf("interrupted command status = %v, want PENDING", restored.Status)
	}
	if restored.Kind != (command.LockDevice{LockType: command.LockHard}) {
		t.Errorf("restored kind = %#v", restored.Kind)
	}
	if !bytes.Equal(restored.Signature, lock.Signature) || !restored.ExpiresAt.Equal(lock.ExpiresAt) {
		t.Errorf("restored command = %+v, lost signature or expiry", restored)
	}
	if len(second.recorder.Actions("COMMAND_RECOVERED")) != 1 {
		t.Error("no COMMAND_RECOVERED audit record")
	}
	if !second.queue.Contains("cmd-old-1") {
		t.Error("tombstone for cmd-old-1 lost across reload")
	}
	next, _ := second.queue.DequeueNext(ctx)
	if next.ID != "cmd-lock" {
		t.Errorf("first dispatch after reload = %s, want cmd-lock", next.ID)
	}
}

func TestCorruptStateFile(t *testing.T) {
	tests := []struct {
		name  string
		write func(t *testing.T, path string)
	}{
		{"garbage", func(t *testing.T, path string) {
			if err := os.WriteFile(path, []byte("not a sealed queue"), 0o600); err != nil {
				t.Fatal(err)
			}
		}},
		{"wrong key", func(t *testing.T, path string) {
			other := newFixture(t, Config{Path: path, Sealer: newKeySet(t, 0x99)})
			mustEnqueue(t, other.queue, newCommand("cmd-a", 5))
			if err := other.queue.Persist(); err != nil {
				t.Fatal(err)
			}
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "queue.bin")
			test.write(t, path)

			f := newFixture(t, Config{Path: path, Sealer: newKeySet(t, 0x42)})
			if !f.queue.CorruptionDetected() {
				t.Fatal("CorruptionDetected = false")
			}
			corruption := f.queue.Corruption()
			if corruption.MovedTo == "" {
				t.Error("corrupt file was not moved aside")
			} else if _, err := os.Stat(corruption.MovedTo); err != nil {
				t.Errorf("moved file: %v", err)
			}
			if f.queue.Len() != 0 {
				t.Errorf("Len = %d, want empty queue", f.queue.Len())
			}
			records := f.recorder.Actions("QUEUE_CORRUPTED")
			if len(records) != 1 || records[0].Severity != audit.SeverityCritical {
				t.Errorf("QUEUE_CORRUPTED records = %+v, want one CRITICAL", records)
			}

			f.queue.AcknowledgeCorruption()
			if f.queue.CorruptionDetected() {
				t.Error("CorruptionDetected after acknowledge")
			}
		})
	}
}

func TestMissingStateFileIsFresh(t *testing.T) {
	f := newFixture(t, Config{Path: filepath.Join(t.TempDir(), "queue.bin"), Sealer: newKeySet(t, 0x42)})
	if f.queue.CorruptionDetected() {
		t.Error("missing file reported as corruption")
	}
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(context.Background(), Config{Clock: clock.Real(), Logger: slog.New(slog.DiscardHandler), Capacity: 1, HistoryLimit: 1})
	if err == nil {
		t.Error("Open without Audit succeeded")
	}
}
