// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lockstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/warden/lib/audit"
	"github.com/bureau-foundation/warden/lib/clock"
	"github.com/bureau-foundation/warden/lib/command"
	"github.com/bureau-foundation/warden/lib/devicecontrol"
	"github.com/bureau-foundation/warden/lib/devicekey"
)

var (
	// ErrPermanentLock is returned when a command other than
	// AdminOverrideUnlock tries to leave the Permanent state.
	ErrPermanentLock = errors.New("device is permanently locked")

	// ErrNotLockCommand is returned by ApplyCommand for kinds the
	// controller does not handle.
	ErrNotLockCommand = errors.New("not a lock-state command")
)

// PersistError reports that the lock-state snapshot could not be
// written. The transition is applied in memory, the controller is
// degraded, and Tick keeps retrying the write.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persisting lock state to %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Sealer encrypts the snapshot file. *devicekey.KeySet implements it.
type Sealer interface {
	Seal(purpose devicekey.Purpose, plaintext []byte) ([]byte, error)
	Open(purpose devicekey.Purpose, blob []byte) ([]byte, error)
}

// Advisory is the lock status hint from a sync response.
type Advisory struct {
	Locked   bool
	LockType command.LockType
	Reason   string
}

// Config configures a Controller.
type Config struct {
	// Path is the sealed snapshot file. Empty keeps state in memory.
	Path   string
	Sealer Sealer

	Port     devicecontrol.Port
	Audit    audit.Recorder
	Notifier Notifier
	Clock    clock.Clock
	Logger   *slog.Logger

	// SoftEscalateAfter escalates a Soft lock to Hard once it has been
	// in force this long. Zero disables escalation.
	SoftEscalateAfter time.Duration
}

// Controller owns the lock records.
type Controller struct {
	path              string
	sealer            Sealer
	port              devicecontrol.Port
	audit             audit.Recorder
	notifier          Notifier
	clock             clock.Clock
	logger            *slog.Logger
	softEscalateAfter time.Duration

	mu                 sync.Mutex
	records            []Record
	state              State
	enforcementPending bool
	persistPending     bool
	degraded           bool

	view atomic.Pointer[View]
}

// change describes one committed transition for audit and the UI.
type change struct {
	action    string
	reason    string
	message   string
	commandID string
	source    Source
	severity  audit.Severity
	extra     map[string]string
}

// Open loads the snapshot and returns a controller with enforcement
// pending, so the first Tick re-applies the loaded state to the port.
// A snapshot that fails to authenticate or decode is replaced by a Hard
// lock.
func Open(ctx context.Context, cfg Config) (*Controller, error) {
	if cfg.Port == nil {
		return nil, fmt.Errorf("lockstate: Port is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("lockstate: Audit is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("lockstate: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("lockstate: Logger is required")
	}
	if cfg.Path != "" && cfg.Sealer == nil {
		return nil, fmt.Errorf("lockstate: Sealer is required with Path")
	}

	controller := &Controller{
		path:               cfg.Path,
		sealer:             cfg.Sealer,
		port:               cfg.Port,
		audit:              cfg.Audit,
		notifier:           cfg.Notifier,
		clock:              cfg.Clock,
		logger:             cfg.Logger,
		softEscalateAfter:  cfg.SoftEscalateAfter,
		enforcementPending: true,
	}

	controller.mu.Lock()
	defer controller.mu.Unlock()
	if cfg.Path != "" {
		controller.load(ctx)
	}
	controller.state = Derive(controller.records, controller.clock.Now())
	controller.publishLocked()
	return controller, nil
}

// ApplyCommand applies a lock-state command: LockDevice, UnlockDevice,
// AdminOverrideUnlock, DowngradeLock, PermanentLock, or Warn. Any other
// kind returns ErrNotLockCommand. A rejected unlock of a Permanent lock
// returns ErrPermanentLock and changes nothing. A port failure is not
// an error; see EnforcementPending.
func (c *Controller) ApplyCommand(ctx context.Context, cmd *command.Command) error {
	source := SourceCommand
	if cmd.Origin == command.OriginInternal {
		source = SourceInternal
	}
	reason := cmd.Parameters[command.ParamReason]

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	current := Derive(c.records, now)

	switch kind := cmd.Kind.(type) {
	case command.LockDevice:
		record := c.newRecord(kind.LockType, reason, cmd.Parameters[command.ParamMessage], source, cmd.ID)
		if until := cmd.Parameters[command.ParamLockUntil]; until != "" {
			seconds, err := strconv.ParseInt(until, 10, 64)
			if err != nil || seconds <= 0 {
				return fmt.Errorf("%w: %s: invalid %s %q", command.ErrMalformed, cmd.ID, command.ParamLockUntil, until)
			}
			record.ExpiresAt = time.Unix(seconds, 0).UTC()
		}
		superseded := c.supersedeLocked(record)
		return c.commitLocked(ctx, change{
			action:    "LOCK_APPLIED",
			reason:    reason,
			commandID: cmd.ID,
			source:    source,
			severity:  audit.SeverityWarning,
			extra:     map[string]string{"lock_type": kind.LockType.String(), "superseded": superseded},
		})

	case command.PermanentLock:
		superseded := c.supersedeLocked(c.newRecord(command.LockPermanent, reason, cmd.Parameters[command.ParamMessage], source, cmd.ID))
		return c.commitLocked(ctx, change{
			action:    "PERMANENT_LOCK_APPLIED",
			reason:    reason,
			commandID: cmd.ID,
			source:    source,
			severity:  audit.SeverityCritical,
			extra:     map[string]string{"superseded": superseded},
		})

	case command.UnlockDevice:
		if current == Permanent {
			c.record(ctx, audit.Record{
				Category: audit.CategoryLock,
				Action:   "UNLOCK_REJECTED",
				Details: map[string]string{
					"command_id": cmd.ID,
					"state":      current.String(),
					"reason":     "plain unlock cannot clear a permanent lock",
				},
				Severity: audit.SeverityWarning,
			})
			return fmt.Errorf("%w: %s requires AdminOverrideUnlock", ErrPermanentLock, cmd.ID)
		}
		c.removeLocked(func(record Record) bool { return record.LockType != command.LockPermanent })
		return c.commitLocked(ctx, change{
			action:    "UNLOCKED",
			reason:    reason,
			commandID: cmd.ID,
			source:    source,
			severity:  audit.SeverityInfo,
		})

	case command.AdminOverrideUnlock:
		c.removeLocked(func(Record) bool { return true })
		return c.commitLocked(ctx, change{
			action:    "ADMIN_OVERRIDE_UNLOCK",
			reason:    reason,
			commandID: cmd.ID,
			source:    source,
			severity:  audit.SeverityWarning,
			extra:     map[string]string{"previous_state": current.String()},
		})

	case command.DowngradeLock:
		return c.downgradeLocked(ctx, cmd, current, reason, source)

	case command.Warn:
		c.record(ctx, audit.Record{
			Category: audit.CategoryLock,
			Action:   "WARNING_DISPLAYED",
			Details:  map[string]string{"command_id": cmd.ID, "message": kind.Message},
			Severity: audit.SeverityInfo,
		})
		c.notifyLocked(Event{
			State:              c.state,
			Previous:           c.state,
			Reason:             reason,
			Message:            kind.Message,
			At:                 now,
			Warning:            true,
			EnforcementPending: c.enforcementPending,
			Degraded:           c.degraded,
		})
		return nil

	case command.WipeData, command.UpdateApp, command.RebootDevice:
		return fmt.Errorf("%w: %s", ErrNotLockCommand, kind.Name())

	default:
		return fmt.Errorf("%w: %T", ErrNotLockCommand, kind)
	}
}

// downgradeLocked replaces a Hard lock with a Soft one. Every attempt
// is audited as an anomaly with its outcome.
func (c *Controller) downgradeLocked(ctx context.Context, cmd *command.Command, current State, reason string, source Source) error {
	anomaly := func(outcome string) {
		c.record(ctx, audit.Record{
			Category: audit.CategoryLock,
			Action:   "LOCK_DOWNGRADE_ANOMALY",
			Details: map[string]string{
				"command_id": cmd.ID,
				"state":      current.String(),
				"outcome":    outcome,
			},
			Severity: audit.SeverityWarning,
		})
	}

	switch current {
	case Permanent:
		anomaly("rejected")
		return fmt.Errorf("%w: %s cannot downgrade", ErrPermanentLock, cmd.ID)
	case Hard:
		anomaly("applied")
		c.removeLocked(func(record Record) bool { return record.LockType == command.LockHard })
		c.supersedeLocked(c.newRecord(command.LockSoft, reason, cmd.Parameters[command.ParamMessage], source, cmd.ID))
		return c.commitLocked(ctx, change{
			action:    "LOCK_DOWNGRADED",
			reason:    reason,
			commandID: cmd.ID,
			source:    source,
			severity:  audit.SeverityWarning,
		})
	default:
		anomaly("no_hard_lock")
		return nil
	}
}

// ApplyAdvisory applies the backend's lock status hint. Nothing happens
// while a Permanent record is active, and the advisory can never create
// a Permanent lock. Advisory locks are only created when no lock of
// that type is active, and an advisory unlock removes only
// advisory-sourced records.
func (c *Controller) ApplyAdvisory(ctx context.Context, advisory Advisory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()

	if c.hasActiveLocked(command.LockPermanent, now) {
		return nil
	}

	if !advisory.Locked {
		removed := c.removeLocked(func(record Record) bool {
			return record.Source == SourceAdvisory && record.LockType != command.LockPermanent
		})
		if removed == 0 {
			return nil
		}
		return c.commitLocked(ctx, change{
			action:   "ADVISORY_UNLOCK",
			reason:   advisory.Reason,
			source:   SourceAdvisory,
			severity: audit.SeverityInfo,
		})
	}

	if advisory.LockType != command.LockSoft && advisory.LockType != command.LockHard {
		c.record(ctx, audit.Record{
			Category: audit.CategorySync,
			Action:   "ADVISORY_IGNORED",
			Details: map[string]string{
				"lock_type": advisory.LockType.String(),
				"reason":    "advisory status cannot set this lock type",
			},
			Severity: audit.SeverityWarning,
		})
		return nil
	}
	if c.hasActiveLocked(advisory.LockType, now) {
		return nil
	}
	c.supersedeLocked(c.newRecord(advisory.LockType, advisory.Reason, "", SourceAdvisory, ""))
	return c.commitLocked(ctx, change{
		action:   "ADVISORY_LOCK",
		reason:   advisory.Reason,
		source:   SourceAdvisory,
		severity: audit.SeverityWarning,
		extra:    map[string]string{"lock_type": advisory.LockType.String()},
	})
}

// Tick expires records, applies soft-lock escalation, and retries a
// pending port call or snapshot write. The executor calls it on its
// enforcement retry interval.
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	var errs []error

	var expired []Record
	c.records = slices.DeleteFunc(c.records, func(record Record) bool {
		if record.Expired(now) {
			expired = append(expired, record)
			return true
		}
		return false
	})
	attempted := false
	if len(expired) > 0 {
		ids := make([]string, len(expired))
		for i, record := range expired {
			ids[i] = record.ID
		}
		attempted = true
		errs = append(errs, c.commitLocked(ctx, change{
			action:   "LOCK_EXPIRED",
			reason:   "expiry",
			source:   SourceTimer,
			severity: audit.SeverityInfo,
			extra:    map[string]string{"expired": fmt.Sprint(ids)},
		}))
	}

	if c.softEscalateAfter > 0 && c.state == Soft {
		soft, _ := strongest(c.records, now)
		if now.Sub(soft.AppliedAt) >= c.softEscalateAfter {
			c.supersedeLocked(c.newRecord(command.LockHard, "soft lock escalation", soft.Message, SourceTimer, soft.SourceCommandID))
			attempted = true
			errs = append(errs, c.commitLocked(ctx, change{
				action:   "LOCK_ESCALATED",
				reason:   "soft lock escalation",
				message:  soft.Message,
				source:   SourceTimer,
				severity: audit.SeverityWarning,
				extra:    map[string]string{"soft_record": soft.ID},
			}))
		}
	}

	if attempted {
		return errors.Join(errs...)
	}

	wasPending, wasDegraded := c.enforcementPending, c.degraded
	if c.persistPending {
		errs = append(errs, c.persistLocked(ctx))
	}
	if c.enforcementPending {
		errs = append(errs, c.enforceLocked(ctx))
	}
	if wasPending != c.enforcementPending || wasDegraded != c.degraded {
		c.publishLocked()
		c.notifyLocked(Event{
			State:              c.state,
			Previous:           c.state,
			At:                 now,
			EnforcementPending: c.enforcementPending,
			Degraded:           c.degraded,
		})
	}
	return errors.Join(errs...)
}

// commitLocked persists the records, enforces the derived state, audits
// the change, and notifies the UI. Only a persist failure is returned.
func (c *Controller) commitLocked(ctx context.Context, ch change) error {
	now := c.clock.Now()
	previous := c.state
	c.state = Derive(c.records, now)

	persistErr := c.persistLocked(ctx)
	c.enforceLocked(ctx)

	details := map[string]string{
		"from":   previous.String(),
		"to":     c.state.String(),
		"source": string(ch.source),
	}
	if ch.commandID != "" {
		details["command_id"] = ch.commandID
	}
	if ch.reason != "" {
		details["reason"] = ch.reason
	}
	for key, value := range ch.extra {
		if value != "" {
			details[key] = value
		}
	}
	if c.enforcementPending {
		details["enforcement"] = "pending"
	}
	c.record(ctx, audit.Record{
		Category: audit.CategoryLock,
		Action:   ch.action,
		Details:  details,
		Severity: ch.severity,
	})

	c.publishLocked()
	message := ch.message
	if message == "" {
		if record, ok := strongest(c.records, now); ok {
			message = record.Message
		}
	}
	c.notifyLocked(Event{
		State:              c.state,
		Previous:           previous,
		Reason:             ch.reason,
		Message:            message,
		At:                 now,
		EnforcementPending: c.enforcementPending,
		Degraded:           c.degraded,
	})
	return persistErr
}

// enforceLocked applies the current state through the port. On failure
// enforcement stays pending for Tick to retry.
func (c *Controller) enforceLocked(ctx context.Context) error {
	var err error
	if c.state == Unlocked {
		err = c.port.ApplyUnlock(ctx)
	} else {
		err = c.port.ApplyLock(ctx, c.state.LockType())
	}
	if err != nil {
		if !c.enforcementPending {
			c.record(ctx, audit.Record{
				Category: audit.CategoryLock,
				Action:   "ENFORCEMENT_PENDING",
				Details:  map[string]string{"state": c.state.String(), "error": err.Error()},
				Severity: audit.SeverityWarning,
			})
		}
		c.enforcementPending = true
		c.logger.Warn("lock enforcement failed; will retry",
			"lock_state", c.state.String(),
			"error", err,
		)
		return err
	}
	if c.enforcementPending {
		c.logger.Info("lock enforcement applied", "lock_state", c.state.String())
	}
	c.enforcementPending = false
	return nil
}

func (c *Controller) newRecord(lockType command.LockType, reason, message string, source Source, commandID string) Record {
	return Record{
		ID:              uuid.NewString(),
		LockType:        lockType,
		Reason:          reason,
		Message:         message,
		AppliedAt:       c.clock.Now(),
		SourceCommandID: commandID,
		Source:          source,
	}
}

// supersedeLocked replaces any record of the same lock type with
// record and returns the replaced record's id.
func (c *Controller) supersedeLocked(record Record) string {
	var superseded string
	c.records = slices.DeleteFunc(c.records, func(existing Record) bool {
		if existing.LockType == record.LockType {
			superseded = existing.ID
			return true
		}
		return false
	})
	c.records = append(c.records, record)
	return superseded
}

func (c *Controller) removeLocked(match func(Record) bool) int {
	before := len(c.records)
	c.records = slices.DeleteFunc(c.records, match)
	return before - len(c.records)
}

func (c *Controller) hasActiveLocked(lockType command.LockType, now time.Time) bool {
	for _, record := range c.records {
		if record.LockType == lockType && !record.Expired(now) {
			return true
		}
	}
	return false
}

func (c *Controller) publishLocked() {
	c.view.Store(&View{
		State:              c.state,
		Records:            slices.Clone(c.records),
		EnforcementPending: c.enforcementPending,
		Degraded:           c.degraded,
		UpdatedAt:          c.clock.Now(),
	})
}

func (c *Controller) notifyLocked(event Event) {
	if c.notifier != nil {
		c.notifier.LockStateChanged(event)
	}
}

// View returns the current snapshot without taking the controller
// lock.
func (c *Controller) View() *View {
	return c.view.Load()
}

// State returns the current derived lock state.
func (c *Controller) State() State {
	return c.view.Load().State
}

// EnforcementPending reports whether the port has not yet confirmed
// the current state.
func (c *Controller) EnforcementPending() bool {
	return c.view.Load().EnforcementPending
}

// Degraded reports whether the snapshot could not be written.
func (c *Controller) Degraded() bool {
	return c.view.Load().Degraded
}

func (c *Controller) record(ctx context.Context, record audit.Record) {
	if _, err := c.audit.Append(ctx, record); err != nil {
		c.logger.Error("audit append failed",
			"action", record.Action,
			"error", err,
		)
	}
}
