// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/warden/lib/audit"
	"github.com/bureau-foundation/warden/lib/clock"
	"github.com/bureau-foundation/warden/lib/command"
	"github.com/bureau-foundation/warden/lib/devicecontrol"
	"github.com/bureau-foundation/warden/lib/lockstate"
	"github.com/bureau-foundation/warden/lib/queue"
	"github.com/bureau-foundation/warden/lib/tamper"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeWiper struct {
	reasons []string
	// queueLen is the queue length observed when Wipe ran.
	queueLen int
	queue    *queue.Queue
}

func (w *fakeWiper) Wipe(_ context.Context, reason string) error {
	w.reasons = append(w.reasons, reason)
	w.queueLen = len(w.queue.Snapshot().Active)
	return nil
}

type fixture struct {
	executor *Executor
	queue    *queue.Queue
	locks    *lockstate.Controller
	port     *devicecontrol.FakePort
	audit    *audit.Capture
	clock    *clock.FakeClock
	signer   *command.Signer
	wiper    *fakeWiper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		port:  devicecontrol.NewFakePort(),
		audit: audit.NewCapture(),
		clock: clock.Fake(epoch),
	}
	logger := slog.New(slog.DiscardHandler)
	ctx := context.Background()

	var err error
	f.queue, err = queue.Open(ctx, queue.Config{
		Audit:        f.audit,
		Clock:        f.clock,
		Logger:       logger,
		Capacity:     1000,
		HistoryLimit: 500,
	})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	f.locks, err = lockstate.Open(ctx, lockstate.Config{
		Port:   f.port,
		Audit:  f.audit,
		Clock:  f.clock,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("lockstate.Open: %v", err)
	}
	f.signer, err = command.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	f.wiper = &fakeWiper{queue: f.queue}
	f.executor = f.newExecutor(t, f.locks)
	return f
}

func (f *fixture) newExecutor(t *testing.T, locks LockController) *Executor {
	t.Helper()
	executor, err := New(Config{
		Queue:            f.queue,
		Verifier:         f.signer.Verifier(),
		Locks:            locks,
		Port:             f.port,
		Audit:            f.audit,
		Wiper:            f.wiper,
		Clock:            f.clock,
		Logger:           slog.New(slog.DiscardHandler),
		PollInterval:     5 * time.Second,
		PortTimeout:      time.Second,
		MaxRetries:       3,
		RetryBaseDelay:   time.Second,
		EnforcementRetry: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return executor
}

// unsavedLocks applies every command but reports that the snapshot
// write failed, as *lockstate.Controller does on a full disk.
type unsavedLocks struct {
	applied []string
}

func (l *unsavedLocks) ApplyCommand(_ context.Context, cmd *command.Command) error {
	l.applied = append(l.applied, cmd.ID)
	return &lockstate.PersistError{Path: "/data/lockstate.bin", Err: errors.New("no space left on device")}
}

func (l *unsavedLocks) Tick(context.Context) error { return nil }

// enqueueSigned enqueues a remote command signed by the fixture's key.
func (f *fixture) enqueueSigned(t *testing.T, id string, kind command.Kind, priority int) *command.Command {
	t.Helper()
	cmd := &command.Command{
		ID:         id,
		Kind:       kind,
		Parameters: kind.Parameters(),
		Priority:   priority,
		Origin:     command.OriginRemote,
	}
	if err := f.signer.Sign(cmd); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	f.enqueue(t, cmd)
	return cmd
}

func (f *fixture) enqueue(t *testing.T, cmd *command.Command) {
	t.Helper()
	added, err := f.queue.Enqueue(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", cmd.ID, err)
	}
	if !added {
		t.Fatalf("Enqueue(%s) reported duplicate", cmd.ID)
	}
}

func (f *fixture) status(t *testing.T, id string) *command.Command {
	t.Helper()
	cmd, ok := f.queue.Get(id)
	if !ok {
		t.Fatalf("command %s not found", id)
	}
	return cmd
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New with empty config succeeded")
	}
}

func TestLockCommandExecuted(t *testing.T) {
	f := newFixture(t)
	f.enqueueSigned(t, "lock-1", command.LockDevice{LockType: command.LockHard}, 5)

	if processed := f.executor.Drain(context.Background()); processed != 1 {
		t.Fatalf("Drain processed %d, want 1", processed)
	}
	if state := f.locks.State(); state != lockstate.Hard {
		t.Fatalf("lock state = %s, want Hard", state)
	}
	cmd := f.status(t, "lock-1")
	if cmd.Status != command.StatusExecuted {
		t.Fatalf("status = %s, want EXECUTED", cmd.Status)
	}
	if cmd.ExecutionResult != ResultExecuted {
		t.Errorf("result = %q, want %q", cmd.ExecutionResult, ResultExecuted)
	}
}

func TestBadSignatureNeverReachesPort(t *testing.T) {
	f := newFixture(t)
	cmd := &command.Command{
		ID:         "wipe-forged",
		Kind:       command.WipeData{},
		Parameters: command.WipeData{}.Parameters(),
		Priority:   9,
		Origin:     command.OriginRemote,
		Signature:  []byte("not a signature"),
	}
	f.enqueue(t, cmd)

	f.executor.Drain(context.Background())

	if calls := f.port.Count(""); calls != 0 {
		t.Fatalf("port called %d times for a forged command", calls)
	}
	got := f.status(t, "wipe-forged")
	if got.Status != command.StatusFailed || got.ExecutionResult != ResultSignatureInvalid {
		t.Fatalf("status = %s %q, want FAILED %q", got.Status, got.ExecutionResult, ResultSignatureInvalid)
	}
	records := f.audit.Actions("SIGNATURE_INVALID")
	if len(records) != 1 || records[0].Severity != audit.SeverityCritical {
		t.Fatalf("SIGNATURE_INVALID records = %+v, want one critical", records)
	}
	if len(f.wiper.reasons) != 0 {
		t.Fatal("audit log wiped by a forged command")
	}
}

func TestTamperedParametersRejected(t *testing.T) {
	f := newFixture(t)
	cmd := &command.Command{
		ID:         "update-1",
		Kind:       command.UpdateApp{URL: "https://updates.example/a.apk", Checksum: "abc"},
		Priority:   5,
		Origin:     command.OriginRemote,
	}
	cmd.Parameters = cmd.Kind.Parameters()
	if err := f.signer.Sign(cmd); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	cmd.Parameters["url"] = "https://attacker.example/b.apk"
	f.enqueue(t, cmd)

	f.executor.Drain(context.Background())

	if calls := f.port.Count(devicecontrol.OpInstallUpdate); calls != 0 {
		t.Fatalf("InstallUpdate called %d times", calls)
	}
	if got := f.status(t, "update-1"); got.Status != command.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
}

func TestInternalCommandsSkipVerification(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, command.NewInternal(command.LockDevice{LockType: command.LockSoft}, command.MaxPriority, epoch))

	f.executor.Drain(context.Background())

	if state := f.locks.State(); state != lockstate.Soft {
		t.Fatalf("lock state = %s, want Soft", state)
	}
	if len(f.audit.Actions("SIGNATURE_INVALID")) != 0 {
		t.Fatal("internal command went through signature verification")
	}
}

func TestExpiredCommandNotExecuted(t *testing.T) {
	f := newFixture(t)
	cmd := &command.Command{
		ID:        "reboot-old",
		Kind:      command.RebootDevice{},
		Priority:  5,
		Origin:    command.OriginRemote,
		ExpiresAt: epoch.Add(time.Minute),
	}
	cmd.Parameters = cmd.Kind.Parameters()
	if err := f.signer.Sign(cmd); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	f.enqueue(t, cmd)
	f.clock.Advance(2 * time.Minute)

	f.executor.Drain(context.Background())

	if calls := f.port.Count(devicecontrol.OpReboot); calls != 0 {
		t.Fatalf("Reboot called %d times for an expired command", calls)
	}
	if got := f.status(t, "reboot-old"); got.Status != command.StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", got.Status)
	}
}

func TestRetryWithBackoff(t *testing.T) {
	f := newFixture(t)
	f.port.SetError(devicecontrol.OpInstallUpdate, errors.New("installer busy"))
	f.enqueueSigned(t, "update-1", command.UpdateApp{URL: "https://updates.example/a.apk", Checksum: "abc"}, 5)
	ctx := context.Background()

	f.executor.Drain(ctx)
	got := f.status(t, "update-1")
	if got.Status != command.StatusPending || got.RetryCount != 1 {
		t.Fatalf("after first failure: status %s retries %d, want PENDING 1", got.Status, got.RetryCount)
	}
	if !got.EnqueuedAt.Equal(epoch.Add(time.Second)) {
		t.Errorf("first retry at %s, want %s", got.EnqueuedAt, epoch.Add(time.Second))
	}

	// Not yet eligible.
	f.executor.Drain(ctx)
	if calls := f.port.Count(devicecontrol.OpInstallUpdate); calls != 1 {
		t.Fatalf("InstallUpdate called %d times before the backoff elapsed", calls)
	}

	f.clock.Advance(time.Second)
	f.executor.Drain(ctx)
	got = f.status(t, "update-1")
	if got.RetryCount != 2 {
		t.Fatalf("retries = %d, want 2", got.RetryCount)
	}
	if want := f.clock.Now().Add(2 * time.Second); !got.EnqueuedAt.Equal(want) {
		t.Errorf("second retry at %s, want %s", got.EnqueuedAt, want)
	}

	f.clock.Advance(2 * time.Second)
	f.executor.Drain(ctx)
	got = f.status(t, "update-1")
	if got.Status != command.StatusFailed {
		t.Fatalf("status after %d attempts = %s, want FAILED", f.port.Count(devicecontrol.OpInstallUpdate), got.Status)
	}
	if calls := f.port.Count(devicecontrol.OpInstallUpdate); calls != 3 {
		t.Errorf("InstallUpdate called %d times, want 3", calls)
	}
	if retries := f.audit.Actions("COMMAND_RETRY"); len(retries) != 2 {
		t.Errorf("COMMAND_RETRY records = %d, want 2", len(retries))
	}
}

func TestPortTimeoutRetried(t *testing.T) {
	f := newFixture(t)
	release := f.port.Block(devicecontrol.OpInstallUpdate)
	defer release()
	f.enqueueSigned(t, "update-1", command.UpdateApp{URL: "https://updates.example/a.apk", Checksum: "abc"}, 5)

	f.executor.Drain(context.Background())

	got := f.status(t, "update-1")
	if got.Status != command.StatusPending || got.RetryCount != 1 {
		t.Fatalf("status %s retries %d, want PENDING 1", got.Status, got.RetryCount)
	}
}

func TestUnlockUnderPermanentFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.enqueueSigned(t, "perm-1", command.PermanentLock{}, 9)
	f.executor.Drain(context.Background())

	f.clock.Advance(time.Second)
	f.enqueueSigned(t, "unlock-1", command.UnlockDevice{}, 9)
	f.executor.Drain(context.Background())

	got := f.status(t, "unlock-1")
	if got.Status != command.StatusFailed || got.RetryCount != 0 {
		t.Fatalf("status %s retries %d, want FAILED 0", got.Status, got.RetryCount)
	}
	if state := f.locks.State(); state != lockstate.Permanent {
		t.Fatalf("lock state = %s, want Permanent", state)
	}
}

func TestMissingHookFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.port.SetError(devicecontrol.OpReboot, devicecontrol.ErrNotConfigured)
	f.port.SetError(devicecontrol.OpInstallUpdate, devicecontrol.ErrNotConfigured)
	f.enqueueSigned(t, "update-1", command.UpdateApp{URL: "https://updates.example/a.apk", Checksum: "abc"}, 5)

	f.executor.Drain(context.Background())

	if got := f.status(t, "update-1"); got.Status != command.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
}

func TestWipeOrder(t *testing.T) {
	f := newFixture(t)
	f.enqueueSigned(t, "wipe-1", command.WipeData{}, 9)
	// Lower priority commands still pending when the wipe runs.
	f.enqueueSigned(t, "reboot-1", command.RebootDevice{}, 1)
	f.enqueueSigned(t, "warn-1", command.Warn{Message: "pay"}, 1)

	if !f.executor.ProcessNext(context.Background()) {
		t.Fatal("ProcessNext found nothing")
	}

	if calls := f.port.Count(devicecontrol.OpWipe); calls != 1 {
		t.Fatalf("Wipe called %d times, want 1", calls)
	}
	if len(f.wiper.reasons) != 1 {
		t.Fatalf("audit wiped %d times, want 1", len(f.wiper.reasons))
	}
	if f.wiper.queueLen != 1 {
		t.Errorf("active commands when the audit log was wiped = %d, want only the wipe itself", f.wiper.queueLen)
	}
	for _, id := range []string{"reboot-1", "warn-1"} {
		if got := f.status(t, id); got.Status != command.StatusCancelled || got.ExecutionResult != ResultWipeCancelled {
			t.Errorf("%s: status %s %q, want CANCELLED %q", id, got.Status, got.ExecutionResult, ResultWipeCancelled)
		}
	}
	if got := f.status(t, "wipe-1"); got.Status != command.StatusExecuted {
		t.Errorf("wipe status = %s, want EXECUTED", got.Status)
	}
	if calls := f.port.Count(devicecontrol.OpReboot); calls != 0 {
		t.Errorf("cancelled reboot reached the port")
	}
}

func TestWipeFailureLeavesAuditLog(t *testing.T) {
	f := newFixture(t)
	f.port.SetError(devicecontrol.OpWipe, errors.New("device policy manager unavailable"))
	f.enqueueSigned(t, "wipe-1", command.WipeData{}, 9)

	f.executor.Drain(context.Background())

	if len(f.wiper.reasons) != 0 {
		t.Fatal("audit log wiped although the device wipe failed")
	}
	if got := f.status(t, "wipe-1"); got.Status != command.StatusPending || got.RetryCount != 1 {
		t.Fatalf("status %s retries %d, want PENDING 1", got.Status, got.RetryCount)
	}
}

func TestRebootCommittedBeforePortCall(t *testing.T) {
	f := newFixture(t)
	release := f.port.Block(devicecontrol.OpReboot)
	f.enqueueSigned(t, "reboot-1", command.RebootDevice{}, 5)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.executor.ProcessNext(context.Background())
	}()

	deadline := time.Now().Add(5 * time.Second)
	for f.port.Count(devicecontrol.OpReboot) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Reboot never called")
		}
		time.Sleep(time.Millisecond)
	}
	// Blocked inside Reboot: the command is committed but not yet
	// terminal, so a failure can still mark it FAILED.
	if got := f.status(t, "reboot-1"); got.Status != command.StatusExecuting || got.ExecutionResult != ResultRebootRequested {
		t.Fatalf("during reboot: status %s result %q, want EXECUTING %q", got.Status, got.ExecutionResult, ResultRebootRequested)
	}
	release()
	<-done
	if got := f.status(t, "reboot-1"); got.Status != command.StatusExecuted {
		t.Fatalf("after reboot: status %s, want EXECUTED", got.Status)
	}
}

func TestRebootFailureFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.port.SetError(devicecontrol.OpReboot, errors.New("permission denied"))
	f.enqueueSigned(t, "reboot-1", command.RebootDevice{}, 5)

	f.executor.Drain(context.Background())
	f.clock.Advance(time.Minute)
	f.executor.Drain(context.Background())

	if calls := f.port.Count(devicecontrol.OpReboot); calls != 1 {
		t.Fatalf("Reboot called %d times, want 1", calls)
	}
	if records := f.audit.Actions("REBOOT_FAILED"); len(records) != 1 {
		t.Fatalf("REBOOT_FAILED records = %d, want 1", len(records))
	}
	got := f.status(t, "reboot-1")
	if got.Status != command.StatusFailed || got.RetryCount != 0 {
		t.Fatalf("status %s retries %d, want FAILED 0", got.Status, got.RetryCount)
	}
	if !strings.Contains(got.ExecutionResult, "permission denied") {
		t.Errorf("result = %q, want the port error", got.ExecutionResult)
	}
}

func TestLockStateSaveFailureNotRetried(t *testing.T) {
	f := newFixture(t)
	locks := &unsavedLocks{}
	executor := f.newExecutor(t, locks)
	f.enqueueSigned(t, "lock-1", command.LockDevice{LockType: command.LockHard}, 9)

	executor.Drain(context.Background())
	f.clock.Advance(time.Minute)
	executor.Drain(context.Background())

	if len(locks.applied) != 1 {
		t.Fatalf("lock command applied %d times, want 1", len(locks.applied))
	}
	got := f.status(t, "lock-1")
	if got.Status != command.StatusExecuted || got.ExecutionResult != ResultStateNotSaved {
		t.Fatalf("status %s result %q, want EXECUTED %q", got.Status, got.ExecutionResult, ResultStateNotSaved)
	}
	if len(f.audit.Actions("COMMAND_RETRY")) != 0 {
		t.Error("applied lock command was scheduled for retry")
	}
}

func TestDispatchOrderFollowsPriority(t *testing.T) {
	f := newFixture(t)
	f.enqueueSigned(t, "warn-1", command.Warn{Message: "payment due"}, 1)
	f.enqueueSigned(t, "lock-1", command.LockDevice{LockType: command.LockHard}, 9)

	f.executor.ProcessNext(context.Background())

	if got := f.status(t, "lock-1"); got.Status != command.StatusExecuted {
		t.Fatalf("higher priority lock not dispatched first: %s", got.Status)
	}
	if got := f.status(t, "warn-1"); got.Status != command.StatusPending {
		t.Fatalf("warn status = %s, want PENDING", got.Status)
	}
}

func TestWakeNeverBlocks(t *testing.T) {
	f := newFixture(t)
	for range 10 {
		f.executor.Wake()
	}
}

// TestOfflineTamperLock drives a critical tamper signal through the
// real aggregator, queue, and lock-state controller with no network
// involved, and checks the device is Hard locked within one poll.
func TestOfflineTamperLock(t *testing.T) {
	f := newFixture(t)
	aggregator, err := tamper.New(tamper.Config{
		Queue:  f.queue,
		Audit:  f.audit,
		Clock:  f.clock,
		Logger: slog.New(slog.DiscardHandler),
		Policy: tamper.DefaultPolicy(),
	})
	if err != nil {
		t.Fatalf("tamper.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.executor.Run(ctx) }()
	// Poll and enforcement tickers.
	f.clock.WaitForTimers(2)

	if err := aggregator.Report(ctx, tamper.Signal{Kind: tamper.KindBootloaderUnlock, Severity: tamper.Critical}); err != nil {
		t.Fatalf("Report: %v", err)
	}
	f.clock.Advance(5 * time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for f.locks.State() != lockstate.Hard {
		if time.Now().After(deadline) {
			t.Fatalf("lock state = %s after one poll, want Hard", f.locks.State())
		}
		time.Sleep(time.Millisecond)
	}
	if calls := f.port.Count(devicecontrol.OpApplyLock); calls == 0 {
		t.Error("port never asked to apply the lock")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}
