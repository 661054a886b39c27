// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/warden/lib/audit"
	"github.com/bureau-foundation/warden/lib/clock"
	"github.com/bureau-foundation/warden/lib/command"
	"github.com/bureau-foundation/warden/lib/hwinfo"
	"github.com/bureau-foundation/warden/lib/lockstate"
	"github.com/bureau-foundation/warden/lib/queue"
	"github.com/bureau-foundation/warden/lib/tamper"
	"github.com/bureau-foundation/warden/lib/version"
)

// MaxClockSkew is the difference between device and backend clocks
// beyond which a sync is audited as skewed.
const MaxClockSkew = 5 * time.Minute

// Queue is the part of *queue.Queue the client uses.
type Queue interface {
	Enqueue(ctx context.Context, cmd *command.Command) (bool, error)
	Len() int
	PendingReports() []*command.Command
	MarkReported(ids []string)
	CorruptionDetected() bool
	AcknowledgeCorruption()
	Persist() error
	Degraded() bool
}

// LockController is the part of *lockstate.Controller the client uses.
type LockController interface {
	ApplyAdvisory(ctx context.Context, advisory lockstate.Advisory) error
	View() *lockstate.View
}

// TamperStatus reports the aggregate tamper status. *tamper.Aggregator
// implements it.
type TamperStatus interface {
	Status() tamper.Status
}

// AuditHead reports the newest audit entry. *audit.Log implements it.
type AuditHead interface {
	Head() (audit.Entry, bool)
}

// Archive is a directory of sealed audit bundles awaiting upload.
// *audit.Outbox implements it.
type Archive interface {
	Pending() ([]string, error)
	Read(name string) ([]byte, error)
	Remove(name string) error
}

// Prober reads the hardware snapshot. *hwinfo.Prober implements it.
type Prober interface {
	Probe() hwinfo.Snapshot
}

// Config configures a Client. AuditHead, Archive, Prober, OnCommands,
// and OnDeactivate are optional.
type Config struct {
	DeviceID  string
	Transport Transport
	Queue     Queue
	Locks     LockController
	Tamper    TamperStatus
	Audit     audit.Recorder
	AuditHead AuditHead
	Archive   Archive
	Prober    Prober
	Clock     clock.Clock
	Logger    *slog.Logger

	// OnCommands is called after a sync enqueued at least one command.
	OnCommands func()
	// OnDeactivate is called once when the backend asks the agent to
	// stop managing the device.
	OnDeactivate func(reason string)

	HeartbeatInterval time.Duration
	FullInterval      time.Duration
	CallTimeout       time.Duration
	BackoffBase       time.Duration
	BackoffCeiling    time.Duration
}

// SyncState is the client's view of backend reachability.
type SyncState struct {
	LastSuccessAt       time.Time
	LastAttemptAt       time.Time
	LastFullAt          time.Time
	ConsecutiveFailures int
	// BackoffUntil is zero unless the last attempt failed.
	BackoffUntil time.Time
}

// Client runs the sync schedule.
type Client struct {
	deviceID  string
	transport Transport
	queue     Queue
	locks     LockController
	tamper    TamperStatus
	audit     audit.Recorder
	auditHead AuditHead
	archive   Archive
	prober    Prober
	clock     clock.Clock
	logger    *slog.Logger

	onCommands   func()
	onDeactivate func(reason string)

	heartbeatInterval time.Duration
	fullInterval      time.Duration
	callTimeout       time.Duration
	backoffBase       time.Duration
	backoffCeiling    time.Duration

	// syncMu serializes Sync calls; mu guards the fields below it and
	// is never held across the network call.
	syncMu      sync.Mutex
	mu          sync.Mutex
	state       SyncState
	skewed      bool
	deactivated bool
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	switch {
	case cfg.DeviceID == "":
		return nil, fmt.Errorf("syncclient: DeviceID is required")
	case cfg.Transport == nil:
		return nil, fmt.Errorf("syncclient: Transport is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("syncclient: Queue is required")
	case cfg.Locks == nil:
		return nil, fmt.Errorf("syncclient: Locks is required")
	case cfg.Tamper == nil:
		return nil, fmt.Errorf("syncclient: Tamper is required")
	case cfg.Audit == nil:
		return nil, fmt.Errorf("syncclient: Audit is required")
	case cfg.Clock == nil:
		return nil, fmt.Errorf("syncclient: Clock is required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("syncclient: Logger is required")
	}
	if cfg.HeartbeatInterval <= 0 || cfg.CallTimeout <= 0 || cfg.BackoffBase <= 0 {
		return nil, fmt.Errorf("syncclient: HeartbeatInterval, CallTimeout, and BackoffBase must be positive")
	}
	if cfg.FullInterval <= cfg.HeartbeatInterval {
		return nil, fmt.Errorf("syncclient: FullInterval (%s) must exceed HeartbeatInterval (%s)", cfg.FullInterval, cfg.HeartbeatInterval)
	}
	if cfg.BackoffCeiling < cfg.BackoffBase {
		return nil, fmt.Errorf("syncclient: BackoffCeiling must not be below BackoffBase")
	}
	return &Client{
		deviceID:          cfg.DeviceID,
		transport:         cfg.Transport,
		queue:             cfg.Queue,
		locks:             cfg.Locks,
		tamper:            cfg.Tamper,
		audit:             cfg.Audit,
		auditHead:         cfg.AuditHead,
		archive:           cfg.Archive,
		prober:            cfg.Prober,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		onCommands:        cfg.OnCommands,
		onDeactivate:      cfg.OnDeactivate,
		heartbeatInterval: cfg.HeartbeatInterval,
		fullInterval:      cfg.FullInterval,
		callTimeout:       cfg.CallTimeout,
		backoffBase:       cfg.BackoffBase,
		backoffCeiling:    cfg.BackoffCeiling,
	}, nil
}

// State returns a copy of the current sync state.
func (c *Client) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run syncs immediately in full mode, then on the heartbeat cadence,
// upgrading to full mode whenever FullInterval has passed since the
// last successful full sync. After a failure the next attempt waits
// for the backoff delay instead. Returns nil when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		mode := c.nextMode()
		if err := c.Sync(ctx, mode); err != nil && ctx.Err() == nil {
			c.logger.Debug("sync attempt failed", "mode", mode, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(c.nextDelay()):
		}
	}
}

func (c *Client) nextMode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.LastFullAt.IsZero() || c.clock.Now().Sub(c.state.LastFullAt) >= c.fullInterval {
		return ModeFull
	}
	return ModeHeartbeat
}

func (c *Client) nextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.ConsecutiveFailures == 0 {
		return c.heartbeatInterval
	}
	return backoff(c.backoffBase, c.backoffCeiling, c.state.ConsecutiveFailures)
}

// backoff returns base doubled once per failure after the first,
// capped at ceiling.
func backoff(base, ceiling time.Duration, failures int) time.Duration {
	delay := base
	for i := 1; i < failures; i++ {
		if delay >= ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	return min(delay, ceiling)
}

// Sync performs one exchange with the backend.
func (c *Client) Sync(ctx context.Context, mode Mode) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	reports := c.queue.PendingReports()
	corrupted := c.queue.CorruptionDetected()
	request := c.buildRequest(mode, reports, corrupted)

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	response, err := c.transport.Sync(callCtx, request)
	cancel()
	if err != nil {
		c.recordFailure(ctx, err)
		return err
	}

	if len(reports) > 0 {
		ids := make([]string, len(reports))
		for i, report := range reports {
			ids[i] = report.ID
		}
		c.queue.MarkReported(ids)
	}
	if corrupted {
		c.queue.AcknowledgeCorruption()
	}

	c.checkClockSkew(ctx, response.ServerTime)
	c.enqueueCommands(ctx, response.Commands)
	c.applyAdvisory(ctx, response.LockStatus)
	c.handleDeactivation(ctx, response.Deactivation)
	c.recordSuccess(ctx, mode, len(reports))

	if err := c.uploadArchives(ctx); err != nil {
		c.logger.Warn("audit archive upload incomplete", "error", err)
	}
	return nil
}

func (c *Client) buildRequest(mode Mode, reports []*command.Command, corrupted bool) *Request {
	view := c.locks.View()
	tamperStatus := c.tamper.Status()

	c.mu.Lock()
	lastOK := c.state.ConsecutiveFailures == 0 && !c.state.LastSuccessAt.IsZero()
	c.mu.Unlock()

	request := &Request{
		DeviceID:           c.deviceID,
		LockState:          view.State.String(),
		TamperSeverity:     tamperStatus.Overall.String(),
		LastSyncOK:         lastOK,
		Mode:               mode,
		EnforcementPending: view.EnforcementPending,
		Degraded:           view.Degraded || c.queue.Degraded(),
		QueueCorrupted:     corrupted,
	}
	for _, report := range reports {
		request.CommandResults = append(request.CommandResults, CommandResult{
			ID:          report.ID,
			Status:      report.Status.String(),
			Result:      report.ExecutionResult,
			CompletedAt: report.ExecutionCompletedAt.Unix(),
			RetryCount:  report.RetryCount,
		})
	}

	var hardware hwinfo.Snapshot
	hardware.BatteryLevel = hwinfo.BatteryUnknown
	if c.prober != nil {
		hardware = c.prober.Probe()
	}
	if hardware.BatteryLevel != hwinfo.BatteryUnknown {
		level := hardware.BatteryLevel
		request.BatteryLevel = &level
	}

	if mode == ModeFull {
		diagnostics := &Diagnostics{
			ActiveSignals: []SignalReport{},
			QueueDepth:    c.queue.Len(),
			LockRecords:   len(view.Records),
			AgentVersion:  version.Info(),
			UptimeSeconds: hardware.UptimeSeconds,
			MemoryTotalMB: hardware.MemoryTotalMB,
			KernelRelease: hardware.KernelRelease,
		}
		for _, signal := range tamperStatus.Active {
			diagnostics.ActiveSignals = append(diagnostics.ActiveSignals, SignalReport{
				Kind:     signal.Kind,
				Severity: signal.Severity.String(),
				Attempts: signal.Attempts,
				LastSeen: signal.LastSeen.Unix(),
			})
		}
		if c.auditHead != nil {
			if head, ok := c.auditHead.Head(); ok {
				diagnostics.AuditHeadSeq = head.Seq
				diagnostics.AuditHeadHash = head.SelfHash.String()
			}
		}
		request.Diagnostics = diagnostics
	}
	return request
}

func (c *Client) enqueueCommands(ctx context.Context, commands []WireCommand) {
	added := 0
	for _, wire := range commands {
		cmd, err := wire.Command()
		if err != nil {
			c.logger.Warn("rejecting malformed command from backend", "command_id", wire.ID, "kind", wire.Kind, "error", err)
			c.record(ctx, audit.Record{
				Category: audit.CategorySync,
				Action:   "COMMAND_REJECTED",
				Details: map[string]string{
					"command_id": wire.ID,
					"kind":       wire.Kind,
					"error":      err.Error(),
				},
				Severity: audit.SeverityWarning,
			})
			continue
		}
		enqueued, err := c.queue.Enqueue(ctx, cmd)
		switch {
		case err == nil && enqueued:
			added++
		case err == nil:
			c.logger.Debug("ignoring redelivered command", "command_id", cmd.ID)
		case errors.Is(err, queue.ErrQueueFull):
			c.logger.Warn("command queue full; command refused", "command_id", cmd.ID, "priority", cmd.Priority)
		default:
			c.logger.Warn("enqueueing command failed", "command_id", cmd.ID, "error", err)
		}
	}
	if added == 0 {
		return
	}
	if err := c.queue.Persist(); err != nil {
		c.logger.Error("persisting queue after sync", "error", err)
	}
	if c.onCommands != nil {
		c.onCommands()
	}
}

func (c *Client) applyAdvisory(ctx context.Context, status *LockStatus) {
	if status == nil {
		return
	}
	advisory := lockstate.Advisory{Locked: status.IsLocked, LockType: command.LockHard, Reason: status.Reason}
	if status.IsLocked && status.LockType != "" {
		lockType, err := command.ParseLockType(status.LockType)
		if err != nil {
			c.logger.Warn("ignoring advisory lock status", "lock_type", status.LockType, "error", err)
			return
		}
		advisory.LockType = lockType
	}
	if err := c.locks.ApplyAdvisory(ctx, advisory); err != nil {
		c.logger.Error("applying advisory lock status failed", "error", err)
	}
}

func (c *Client) checkClockSkew(ctx context.Context, serverTime string) {
	if serverTime == "" {
		return
	}
	server, err := parseServerTime(serverTime)
	if err != nil {
		c.logger.Debug("unparseable server_time", "server_time", serverTime, "error", err)
		return
	}
	skew := c.clock.Now().Sub(server)
	skewed := skew > MaxClockSkew || skew < -MaxClockSkew

	c.mu.Lock()
	changed := skewed != c.skewed
	c.skewed = skewed
	c.mu.Unlock()

	if skewed && changed {
		c.logger.Warn("device clock differs from backend", "skew", skew)
		c.record(ctx, audit.Record{
			Category: audit.CategorySync,
			Action:   "CLOCK_SKEW",
			Details: map[string]string{
				"skew":        skew.Round(time.Second).String(),
				"server_time": serverTime,
			},
			Severity: audit.SeverityWarning,
		})
	}
}

func (c *Client) handleDeactivation(ctx context.Context, deactivation *Deactivation) {
	if deactivation == nil || deactivation.Command != DeactivateNow {
		return
	}
	c.mu.Lock()
	already := c.deactivated
	c.deactivated = true
	c.mu.Unlock()
	if already {
		return
	}

	c.logger.Warn("backend requested deactivation", "reason", deactivation.Reason)
	c.record(ctx, audit.Record{
		Category: audit.CategoryDevice,
		Action:   "DEACTIVATION_REQUESTED",
		Details:  map[string]string{"reason": deactivation.Reason},
		Severity: audit.SeverityCritical,
	})
	if c.onDeactivate != nil {
		c.onDeactivate(deactivation.Reason)
	}
}

// uploadArchives sends every pending outbox bundle, oldest first,
// removing each once the backend has accepted it.
func (c *Client) uploadArchives(ctx context.Context) error {
	if c.archive == nil {
		return nil
	}
	names, err := c.archive.Pending()
	if err != nil {
		return err
	}
	for _, name := range names {
		bundle, err := c.archive.Read(name)
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err = c.transport.UploadArchive(callCtx, name, bundle)
		cancel()
		if err != nil {
			return fmt.Errorf("uploading %s: %w", name, err)
		}
		if err := c.archive.Remove(name); err != nil {
			return fmt.Errorf("removing uploaded %s: %w", name, err)
		}
		c.logger.Info("audit archive uploaded", "bundle", name, "bytes", len(bundle))
	}
	return nil
}

func (c *Client) recordFailure(ctx context.Context, err error) {
	now := c.clock.Now()
	c.mu.Lock()
	c.state.LastAttemptAt = now
	c.state.ConsecutiveFailures++
	failures := c.state.ConsecutiveFailures
	delay := backoff(c.backoffBase, c.backoffCeiling, failures)
	c.state.BackoffUntil = now.Add(delay)
	c.mu.Unlock()

	if IsTransient(err) {
		c.logger.Warn("sync failed; backing off", "failures", failures, "retry_in", delay, "error", err)
	} else {
		c.logger.Error("sync rejected by backend; backing off", "failures", failures, "retry_in", delay, "error", err)
	}
	if failures == 1 {
		c.record(ctx, audit.Record{
			Category: audit.CategorySync,
			Action:   "SYNC_FAILED",
			Details:  map[string]string{"error": err.Error()},
			Severity: audit.SeverityInfo,
		})
	}
}

func (c *Client) recordSuccess(ctx context.Context, mode Mode, reported int) {
	now := c.clock.Now()
	c.mu.Lock()
	previousFailures := c.state.ConsecutiveFailures
	c.state.LastAttemptAt = now
	c.state.LastSuccessAt = now
	c.state.ConsecutiveFailures = 0
	c.state.BackoffUntil = time.Time{}
	if mode == ModeFull {
		c.state.LastFullAt = now
	}
	c.mu.Unlock()

	c.logger.Info("sync complete", "mode", mode, "reported", reported)
	if previousFailures > 0 {
		c.record(ctx, audit.Record{
			Category: audit.CategorySync,
			Action:   "SYNC_RESTORED",
			Details:  map[string]string{"failed_attempts": fmt.Sprint(previousFailures)},
			Severity: audit.SeverityInfo,
		})
	}
}

func (c *Client) record(ctx context.Context, record audit.Record) {
	if _, err := c.audit.Append(ctx, record); err != nil {
		c.logger.Error("audit append failed",
			"action", record.Action,
			"error", err,
		)
	}
}
