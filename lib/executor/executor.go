// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/warden/lib/audit"
	"github.com/bureau-foundation/warden/lib/clock"
	"github.com/bureau-foundation/warden/lib/command"
	"github.com/bureau-foundation/warden/lib/devicecontrol"
	"github.com/bureau-foundation/warden/lib/lockstate"
)

// Queue is the part of *queue.Queue the executor uses.
type Queue interface {
	DequeueNext(ctx context.Context) (*command.Command, bool)
	MarkTerminal(ctx context.Context, id string, status command.Status, result string) error
	Requeue(id string, notBefore time.Time, result string) error
	MarkCommitted(id string, result string) error
	CancelAll(ctx context.Context, reason string) int
	Persist() error
}

// Verifier checks remote command signatures. *command.Verifier
// implements it.
type Verifier interface {
	Verify(cmd *command.Command) error
}

// LockController applies lock-state commands. *lockstate.Controller
// implements it.
type LockController interface {
	ApplyCommand(ctx context.Context, cmd *command.Command) error
	Tick(ctx context.Context) error
}

// Wiper erases the audit log as the last step of a data wipe.
// *audit.Log implements it.
type Wiper interface {
	Wipe(ctx context.Context, reason string) error
}

// Config configures an Executor.
type Config struct {
	Queue    Queue
	Verifier Verifier
	Locks    LockController
	Port     devicecontrol.Port
	Audit    audit.Recorder
	// Wiper is optional; without it a wipe leaves the audit log intact.
	Wiper  Wiper
	Clock  clock.Clock
	Logger *slog.Logger

	PollInterval     time.Duration
	PortTimeout      time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	EnforcementRetry time.Duration
}

// Result strings recorded on terminal commands.
const (
	ResultExecuted         = "executed"
	ResultExpired          = "expired"
	ResultRebootRequested  = "reboot requested"
	ResultStateNotSaved    = "executed; lock state not saved"
	ResultSignatureInvalid = "signature_invalid"
	ResultWipeCancelled    = "cancelled by data wipe"
)

// Executor is the command poll loop.
type Executor struct {
	queue    Queue
	verifier Verifier
	locks    LockController
	port     devicecontrol.Port
	audit    audit.Recorder
	wiper    Wiper
	clock    clock.Clock
	logger   *slog.Logger

	pollInterval     time.Duration
	portTimeout      time.Duration
	maxRetries       int
	retryBaseDelay   time.Duration
	enforcementRetry time.Duration

	wake chan struct{}
}

// New validates cfg and returns an Executor.
func New(cfg Config) (*Executor, error) {
	switch {
	case cfg.Queue == nil:
		return nil, fmt.Errorf("executor: Queue is required")
	case cfg.Verifier == nil:
		return nil, fmt.Errorf("executor: Verifier is required")
	case cfg.Locks == nil:
		return nil, fmt.Errorf("executor: Locks is required")
	case cfg.Port == nil:
		return nil, fmt.Errorf("executor: Port is required")
	case cfg.Audit == nil:
		return nil, fmt.Errorf("executor: Audit is required")
	case cfg.Clock == nil:
		return nil, fmt.Errorf("executor: Clock is required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("executor: Logger is required")
	}
	if cfg.PollInterval <= 0 || cfg.PortTimeout <= 0 || cfg.RetryBaseDelay <= 0 || cfg.EnforcementRetry <= 0 {
		return nil, fmt.Errorf("executor: PollInterval, PortTimeout, RetryBaseDelay, and EnforcementRetry must be positive")
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("executor: MaxRetries must be at least 1, got %d", cfg.MaxRetries)
	}
	return &Executor{
		queue:            cfg.Queue,
		verifier:         cfg.Verifier,
		locks:            cfg.Locks,
		port:             cfg.Port,
		audit:            cfg.Audit,
		wiper:            cfg.Wiper,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		pollInterval:     cfg.PollInterval,
		portTimeout:      cfg.PortTimeout,
		maxRetries:       cfg.MaxRetries,
		retryBaseDelay:   cfg.RetryBaseDelay,
		enforcementRetry: cfg.EnforcementRetry,
		wake:             make(chan struct{}, 1),
	}, nil
}

// Wake asks the loop to drain the queue now instead of at the next
// poll. It never blocks.
func (e *Executor) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue immediately and then on every poll interval or
// Wake, and ticks the lock-state controller on the enforcement retry
// interval. An in-flight command finishes (bounded by the port
// timeout) before Run returns on cancellation.
func (e *Executor) Run(ctx context.Context) error {
	poll := e.clock.NewTicker(e.pollInterval)
	defer poll.Stop()
	enforcement := e.clock.NewTicker(e.enforcementRetry)
	defer enforcement.Stop()

	e.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			e.Drain(ctx)
		case <-e.wake:
			e.Drain(ctx)
		case <-enforcement.C:
			if err := e.locks.Tick(ctx); err != nil {
				e.logger.Debug("lock state tick incomplete", "error", err)
			}
		}
	}
}

// Drain processes commands until none is eligible or ctx is done, and
// returns how many it processed.
func (e *Executor) Drain(ctx context.Context) int {
	processed := 0
	for ctx.Err() == nil && e.ProcessNext(ctx) {
		processed++
	}
	if processed > 0 {
		if err := e.queue.Persist(); err != nil {
			e.logger.Error("persisting command queue failed", "error", err)
		}
	}
	return processed
}

// ProcessNext runs one command through expiry, verification, and
// dispatch. It reports false when no command was eligible.
func (e *Executor) ProcessNext(ctx context.Context) bool {
	cmd, ok := e.queue.DequeueNext(ctx)
	if !ok {
		return false
	}
	logger := e.logger.With(
		"command_id", cmd.ID,
		"kind", cmd.Kind.Name(),
		"origin", cmd.Origin.String(),
	)

	if cmd.Expired(e.clock.Now()) {
		e.finish(ctx, logger, cmd, command.StatusExpired, ResultExpired)
		return true
	}

	if cmd.Origin == command.OriginRemote {
		if err := e.verifier.Verify(cmd); err != nil {
			logger.Error("command signature rejected", "error", err)
			e.record(ctx, audit.Record{
				Category: audit.CategoryCommand,
				Action:   "SIGNATURE_INVALID",
				Details: map[string]string{
					"command_id": cmd.ID,
					"kind":       cmd.Kind.Name(),
					"error":      err.Error(),
				},
				Severity: audit.SeverityCritical,
			})
			e.finish(ctx, logger, cmd, command.StatusFailed, ResultSignatureInvalid)
			return true
		}
	}

	result, err := e.dispatch(ctx, cmd)
	switch {
	case err == nil:
		e.finish(ctx, logger, cmd, command.StatusExecuted, result)
	case errors.As(err, new(*lockstate.PersistError)):
		// Applied and enforced in memory; only the snapshot write failed.
		logger.Error("lock state applied but not saved", "error", err)
		e.finish(ctx, logger, cmd, command.StatusExecuted, ResultStateNotSaved)
	case permanent(err):
		logger.Warn("command rejected", "error", err)
		e.finish(ctx, logger, cmd, command.StatusFailed, err.Error())
	default:
		e.retry(ctx, logger, cmd, err)
	}
	return true
}

// dispatch performs the command. Every kind is handled explicitly.
func (e *Executor) dispatch(ctx context.Context, cmd *command.Command) (string, error) {
	switch kind := cmd.Kind.(type) {
	case command.LockDevice, command.UnlockDevice, command.AdminOverrideUnlock,
		command.DowngradeLock, command.PermanentLock, command.Warn:
		if err := e.locks.ApplyCommand(ctx, cmd); err != nil {
			return "", err
		}
		return ResultExecuted, nil

	case command.WipeData:
		return e.wipe(ctx, cmd)

	case command.RebootDevice:
		return e.reboot(ctx, cmd)

	case command.UpdateApp:
		err := devicecontrol.Call(ctx, devicecontrol.OpInstallUpdate, e.portTimeout, func(ctx context.Context) error {
			return e.port.InstallUpdate(ctx, kind.URL, kind.Checksum)
		})
		if err != nil {
			return "", err
		}
		return ResultExecuted, nil

	default:
		return "", fmt.Errorf("%w: %s", errUnsupported, kind.Name())
	}
}

var errUnsupported = errors.New("unsupported command kind")

// wipe erases the device through the port, cancels everything still
// pending, and erases the audit log last so DATA_WIPE is its final
// entry.
func (e *Executor) wipe(ctx context.Context, cmd *command.Command) (string, error) {
	if err := devicecontrol.Call(ctx, devicecontrol.OpWipe, e.portTimeout, e.port.Wipe); err != nil {
		return "", err
	}
	cancelled := e.queue.CancelAll(ctx, ResultWipeCancelled)
	if e.wiper != nil {
		if err := e.wiper.Wipe(ctx, fmt.Sprintf("WipeData command %s", cmd.ID)); err != nil {
			e.logger.Error("audit wipe failed", "command_id", cmd.ID, "error", err)
		}
	}
	return fmt.Sprintf("wiped; %d pending commands cancelled", cancelled), nil
}

// reboot marks the command committed and persists the queue before
// calling the port, so a restart caused by the reboot finishes the
// command instead of replaying it. A port failure fails the command
// without retry.
func (e *Executor) reboot(ctx context.Context, cmd *command.Command) (string, error) {
	if err := e.queue.MarkCommitted(cmd.ID, ResultRebootRequested); err != nil {
		return "", err
	}
	if err := e.queue.Persist(); err != nil {
		e.logger.Error("persisting queue before reboot failed", "command_id", cmd.ID, "error", err)
	}
	if err := devicecontrol.Call(ctx, devicecontrol.OpReboot, e.portTimeout, e.port.Reboot); err != nil {
		e.record(ctx, audit.Record{
			Category: audit.CategoryDevice,
			Action:   "REBOOT_FAILED",
			Details:  map[string]string{"command_id": cmd.ID, "error": err.Error()},
			Severity: audit.SeverityWarning,
		})
		return "", fmt.Errorf("%w: %w", errRebootFailed, err)
	}
	return ResultRebootRequested, nil
}

// errRebootFailed is permanent. Reboots are never retried.
var errRebootFailed = errors.New("reboot failed")

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, lockstate.ErrPermanentLock) ||
		errors.Is(err, lockstate.ErrNotLockCommand) ||
		errors.Is(err, command.ErrMalformed) ||
		errors.Is(err, devicecontrol.ErrNotConfigured) ||
		errors.Is(err, errUnsupported) ||
		errors.Is(err, errRebootFailed)
}

// retry re-enqueues a failed command with exponential backoff, or fails
// it once it has failed MaxRetries times.
func (e *Executor) retry(ctx context.Context, logger *slog.Logger, cmd *command.Command, cause error) {
	failures := cmd.RetryCount + 1
	if failures >= e.maxRetries {
		logger.Error("command failed after retries", "attempts", failures, "error", cause)
		e.finish(ctx, logger, cmd, command.StatusFailed, cause.Error())
		return
	}

	delay := e.retryBaseDelay << (failures - 1)
	notBefore := e.clock.Now().Add(delay)
	if err := e.queue.Requeue(cmd.ID, notBefore, cause.Error()); err != nil {
		logger.Error("requeueing command failed", "error", err)
		return
	}
	logger.Warn("command failed; will retry",
		"attempt", failures,
		"retry_in", delay,
		"error", cause,
	)
	e.record(ctx, audit.Record{
		Category: categoryFor(cmd),
		Action:   "COMMAND_RETRY",
		Details: map[string]string{
			"command_id": cmd.ID,
			"attempt":    fmt.Sprint(failures),
			"retry_at":   notBefore.UTC().Format(time.RFC3339),
			"error":      cause.Error(),
		},
		Severity: audit.SeverityWarning,
	})
}

func (e *Executor) finish(ctx context.Context, logger *slog.Logger, cmd *command.Command, status command.Status, result string) {
	if err := e.queue.MarkTerminal(ctx, cmd.ID, status, result); err != nil {
		logger.Error("recording command result failed", "status", status.String(), "error", err)
		return
	}
	logger.Info("command finished", "status", status.String(), "result", result)
}

func categoryFor(cmd *command.Command) string {
	if cmd.Origin == command.OriginInternal {
		return audit.CategoryInternalCommand
	}
	return audit.CategoryCommand
}

func (e *Executor) record(ctx context.Context, record audit.Record) {
	if _, err := e.audit.Append(ctx, record); err != nil {
		e.logger.Error("audit append failed",
			"action", record.Action,
			"error", err,
		)
	}
}
