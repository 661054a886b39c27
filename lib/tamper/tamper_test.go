// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tamper

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/warden/lib/audit"
	"github.com/bureau-foundation/warden/lib/clock"
	"github.com/bureau-foundation/warden/lib/command"
	"github.com/bureau-foundation/warden/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeQueue struct {
	enqueued chan *command.Command
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, cmd *command.Command) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	q.enqueued <- cmd
	return true, nil
}

type fixture struct {
	aggregator *Aggregator
	queue      *fakeQueue
	audit      *audit.Capture
	clock      *clock.FakeClock
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	f := &fixture{
		queue: &fakeQueue{enqueued: make(chan *command.Command, 16)},
		audit: audit.NewCapture(),
		clock: clock.Fake(epoch),
	}
	aggregator, err := New(Config{
		Queue:  f.queue,
		Audit:  f.audit,
		Clock:  f.clock,
		Logger: slog.New(slog.DiscardHandler),
		Policy: policy,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.aggregator = aggregator
	return f
}

func (f *fixture) report(t *testing.T, kind string, severity Severity) {
	t.Helper()
	if err := f.aggregator.Report(context.Background(), Signal{Kind: kind, Severity: severity}); err != nil {
		t.Fatalf("Report(%s): %v", kind, err)
	}
}

func (f *fixture) drain() []*command.Command {
	var commands []*command.Command
	for {
		select {
		case cmd := <-f.queue.enqueued:
			commands = append(commands, cmd)
		default:
			return commands
		}
	}
}

func TestOverallIsMaximum(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.report(t, KindCustomROM, None)
	if got := f.aggregator.Overall(); got != Medium {
		t.Errorf("Overall = %v, want Medium", got)
	}
	f.report(t, KindRoot, None)
	if got := f.aggregator.Overall(); got != High {
		t.Errorf("Overall = %v, want High", got)
	}
	f.report(t, KindCustomROM, Low)
	if got := f.aggregator.Overall(); got != High {
		t.Errorf("Overall = %v, want High after lower report", got)
	}
	if commands := f.drain(); len(commands) != 0 {
		t.Errorf("synthesized %d commands below Critical", len(commands))
	}
	status := f.aggregator.Status()
	if len(status.Active) != 2 || status.Active[0].Kind != KindCustomROM || status.Active[1].Kind != KindRoot {
		t.Errorf("Status.Active = %+v", status.Active)
	}
}

func TestCriticalSynthesizesHardLock(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.report(t, KindBootloaderUnlock, Critical)

	commands := f.drain()
	if len(commands) != 1 {
		t.Fatalf("synthesized %d commands, want 1", len(commands))
	}
	lock := commands[0]
	if lock.Origin != command.OriginInternal {
		t.Errorf("Origin = %v, want internal", lock.Origin)
	}
	if lock.Kind != (command.LockDevice{LockType: command.LockHard}) {
		t.Errorf("Kind = %#v, want LockDevice{Hard}", lock.Kind)
	}
	if lock.Priority != command.MaxPriority {
		t.Errorf("Priority = %d, want %d", lock.Priority, command.MaxPriority)
	}
	if !strings.Contains(lock.Parameters[command.ParamReason], KindBootloaderUnlock) {
		t.Errorf("reason = %q, want the signal kind", lock.Parameters[command.ParamReason])
	}
	if err := lock.Validate(); err != nil {
		t.Errorf("synthesized command invalid: %v", err)
	}
	synthesized := f.audit.Actions("TAMPER_LOCK_SYNTHESIZED")
	if len(synthesized) != 1 || synthesized[0].Category != audit.CategoryInternalCommand {
		t.Errorf("TAMPER_LOCK_SYNTHESIZED records = %+v", synthesized)
	}

	// Staying Critical is not a new transition.
	f.report(t, KindRoot, Critical)
	if commands := f.drain(); len(commands) != 0 {
		t.Errorf("synthesized %d more commands while already Critical", len(commands))
	}
}

func TestAttemptThresholdEscalates(t *testing.T) {
	policy := DefaultPolicy()
	policy.AttemptThreshold = 3
	f := newFixture(t, policy)

	for range 2 {
		f.report(t, KindRemovalAttempt, None)
		f.clock.Advance(time.Minute)
	}
	if got := f.aggregator.Overall(); got != Medium {
		t.Fatalf("Overall after 2 attempts = %v, want Medium", got)
	}
	f.report(t, KindRemovalAttempt, None)
	if got := f.aggregator.Overall(); got != Critical {
		t.Fatalf("Overall after 3 attempts = %v, want Critical", got)
	}
	if len(f.drain()) != 1 {
		t.Error("attempt escalation did not synthesize a lock")
	}
}

func TestAttemptsOutsideWindowDoNotCount(t *testing.T) {
	policy := DefaultPolicy()
	policy.FreshnessWindow = 10 * time.Minute
	policy.AttemptThreshold = 3
	f := newFixture(t, policy)

	for range 3 {
		f.report(t, KindRemovalAttempt, None)
		f.clock.Advance(6 * time.Minute)
	}
	if got := f.aggregator.Overall(); got == Critical {
		t.Error("attempts spread past the window escalated to Critical")
	}
}

func TestRefreshedConditionKeepsSeverity(t *testing.T) {
	f := newFixture(t, DefaultPolicy())

	// The detector re-reports a standing condition to keep it active.
	for range 6 {
		f.report(t, KindRAMChanged, Low)
		f.clock.Advance(4 * time.Minute)
	}
	if got := f.aggregator.Overall(); got != Medium {
		t.Errorf("Overall = %v, want Medium for a refreshed condition", got)
	}
	if commands := f.drain(); len(commands) != 0 {
		t.Errorf("refreshing a condition synthesized %d commands", len(commands))
	}
	status := f.aggregator.Status()
	if len(status.Active) != 1 || status.Active[0].Attempts != 0 {
		t.Errorf("Status.Active = %+v, want one condition with no attempts", status.Active)
	}
}

func TestZeroAttemptThresholdDisablesEscalation(t *testing.T) {
	policy := DefaultPolicy()
	policy.AttemptThreshold = 0
	f := newFixture(t, policy)

	for range 5 {
		f.report(t, KindDisableAttempt, None)
		f.clock.Advance(time.Minute)
	}
	if got := f.aggregator.Overall(); got != Medium {
		t.Errorf("Overall = %v, want Medium with escalation disabled", got)
	}
	if commands := f.drain(); len(commands) != 0 {
		t.Errorf("synthesized %d commands with escalation disabled", len(commands))
	}
}

func TestStaleSignalsPruned(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.report(t, KindRoot, None)
	f.clock.Advance(11 * time.Minute)

	if err := f.aggregator.Prune(context.Background()); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if got := f.aggregator.Overall(); got != None {
		t.Errorf("Overall = %v, want None", got)
	}
	if len(f.audit.Actions("TAMPER_SIGNAL_CLEARED")) != 1 {
		t.Error("no TAMPER_SIGNAL_CLEARED record")
	}

	// Falling out of Critical and re-entering synthesizes again.
	f.report(t, KindRoot, Critical)
	f.clock.Advance(11 * time.Minute)
	f.aggregator.Prune(context.Background())
	f.report(t, KindRoot, Critical)
	if got := len(f.drain()); got != 2 {
		t.Errorf("synthesized %d locks, want 2", got)
	}
}

func TestEnqueueFailureReturned(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.queue.err = errors.New("queue full")
	err := f.aggregator.Report(context.Background(), Signal{Kind: KindRoot, Severity: Critical})
	if err == nil {
		t.Error("Report returned nil with failing queue")
	}
}

func TestReportRejectsEmptyKind(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	if err := f.aggregator.Report(context.Background(), Signal{}); err == nil {
		t.Error("Report without kind succeeded")
	}
}

func TestParsePolicy(t *testing.T) {
	document := `{
		// Root detection is never benign on this fleet.
		"severities": {
			"root": "critical",
			"sim_swap": "high", // not a built-in kind
		},
		"freshness_window": "15m",
		"attempt_threshold": 5,
		"attempt_kinds": ["removal_attempt", "sim_swap"],
	}`
	policy, err := ParsePolicy([]byte(document), DefaultPolicy())
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if policy.SeverityFor(KindRoot) != Critical {
		t.Errorf("root = %v, want Critical", policy.SeverityFor(KindRoot))
	}
	if policy.SeverityFor("sim_swap") != High {
		t.Errorf("sim_swap = %v, want High", policy.SeverityFor("sim_swap"))
	}
	if policy.SeverityFor(KindIMEIMismatch) != High {
		t.Error("unmentioned default severity lost")
	}
	if policy.SeverityFor("unheard_of") != Medium {
		t.Errorf("unknown kind = %v, want Medium", policy.SeverityFor("unheard_of"))
	}
	if policy.FreshnessWindow != 15*time.Minute || policy.AttemptThreshold != 5 {
		t.Errorf("window = %s, threshold = %d", policy.FreshnessWindow, policy.AttemptThreshold)
	}
	if !policy.IsAttemptKind("sim_swap") || policy.IsAttemptKind(KindDisableAttempt) {
		t.Errorf("AttemptKinds = %v, want the file's list", policy.AttemptKinds)
	}
	if DefaultPolicy().SeverityFor(KindRoot) != High {
		t.Error("ParsePolicy modified the base policy")
	}

	for _, bad := range []string{
		`{"severities": {"root": "catastrophic"}}`,
		`{"freshness_window": "soon"}`,
		`{"freshness_window": "-1m"}`,
		`not json`,
	} {
		if _, err := ParsePolicy([]byte(bad), DefaultPolicy()); err == nil {
			t.Errorf("ParsePolicy(%s) succeeded", bad)
		}
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tamper.jsonc")
	if err := os.WriteFile(path, []byte(`{"attempt_threshold": 1}`), 0o600); err != nil {
		t.Fatal(err)
	}
	policy, err := LoadPolicy(path, DefaultPolicy())
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if policy.AttemptThreshold != 1 {
		t.Errorf("AttemptThreshold = %d, want 1", policy.AttemptThreshold)
	}
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.jsonc"), DefaultPolicy()); err == nil {
		t.Error("LoadPolicy of missing file succeeded")
	}
}

func TestDetectorServer(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "detector.sock")
	signals := make(chan Signal, 4)
	fake := clock.Fake(epoch)
	server := NewDetectorServer(socketPath, signals, fake, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()

	var conn net.Conn
	for range 100 {
		var err error
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		<-time.After(10 * time.Millisecond)
	}
	if conn == nil {
		t.Fatal("detector socket never accepted connections")
	}
	lines := "{\"kind\":\"root\",\"severity\":\"high\",\"detail\":\"su binary\"}\n" +
		"garbage\n" +
		"{\"severity\":\"low\"}\n" +
		"{\"kind\":\"usb_debugging\"}\n"
	if _, err := conn.Write([]byte(lines)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	conn.Close()

	first := testutil.RequireReceive(t, signals, 5*time.Second, "root signal")
	if first.Kind != KindRoot || first.Severity != High || first.Detail != "su binary" {
		t.Errorf("first signal = %+v", first)
	}
	if !first.DetectedAt.Equal(epoch) {
		t.Errorf("DetectedAt = %v, want clock time", first.DetectedAt)
	}
	second := testutil.RequireReceive(t, signals, 5*time.Second, "usb signal")
	if second.Kind != KindUSBDebugging || second.Severity != None {
		t.Errorf("second signal = %+v", second)
	}

	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "detector server exit")
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket file left behind: %v", err)
	}
}

func TestRunDeliversSignals(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	signals := make(chan Signal)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.aggregator.Run(ctx, signals)
	}()

	testutil.RequireSend(t, signals, Signal{Kind: KindRoot, Severity: Critical}, 5*time.Second, "sending signal")
	lock := testutil.RequireReceive(t, f.queue.enqueued, 5*time.Second, "synthesized lock")
	if lock.Origin != command.OriginInternal {
		t.Errorf("Origin = %v, want internal", lock.Origin)
	}

	// The prune ticker clears the signal once it goes stale.
	f.clock.WaitForTimers(1)
	f.clock.Advance(11 * time.Minute)
	deadline := time.Now().Add(5 * time.Second)
	for f.aggregator.Overall() != None {
		if time.Now().After(deadline) {
			t.Fatalf("Overall = %v after prune tick, want None", f.aggregator.Overall())
		}
		<-time.After(time.Millisecond)
	}

	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "Run exit")
}
