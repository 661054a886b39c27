// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package devicecontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/bureau-foundation/warden/lib/command"
)

// Port performs enforcement actions. Every method must be idempotent:
// the core retries calls after timeouts and failures.
type Port interface {
	ApplyLock(ctx context.Context, lockType command.LockType) error
	ApplyUnlock(ctx context.Context) error
	Wipe(ctx context.Context) error
	Reboot(ctx context.Context) error
	InstallUpdate(ctx context.Context, url, checksum string) error
}

// Operation names a port method in errors, logs, and audit details.
type Operation string

const (
	OpApplyLock     Operation = "apply_lock"
	OpApplyUnlock   Operation = "apply_unlock"
	OpWipe          Operation = "wipe"
	OpReboot        Operation = "reboot"
	OpInstallUpdate Operation = "install_update"
)

// TimeoutError reports a port call that did not finish within its
// deadline.
type TimeoutError struct {
	Operation Operation
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("device control %s timed out after %s", e.Operation, e.Timeout)
}

// Unwrap lets errors.Is match context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// Call runs fn with a deadline of timeout. If fn has not returned when
// the deadline passes, Call returns a *TimeoutError immediately and
// abandons fn; fn still sees its context cancelled. Cancellation of
// the parent context is returned as the context's error.
func Call(ctx context.Context, op Operation, timeout time.Duration, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return &TimeoutError{Operation: op, Timeout: timeout}
		}
		if err != nil {
			return fmt.Errorf("device control %s: %w", op, err)
		}
		return nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{Operation: op, Timeout: timeout}
	}
}

// WithTimeout wraps port so every call goes through Call.
func WithTimeout(port Port, timeout time.Duration) Port {
	return &timedPort{port: port, timeout: timeout}
}

type timedPort struct {
	port    Port
	timeout time.Duration
}

func (p *timedPort) ApplyLock(ctx context.Context, lockType command.LockType) error {
	return Call(ctx, OpApplyLock, p.timeout, func(ctx context.Context) error {
		return p.port.ApplyLock(ctx, lockType)
	})
}

func (p *timedPort) ApplyUnlock(ctx context.Context) error {
	return Call(ctx, OpApplyUnlock, p.timeout, p.port.ApplyUnlock)
}

func (p *timedPort) Wipe(ctx context.Context) error {
	return Call(ctx, OpWipe, p.timeout, p.port.Wipe)
}

func (p *timedPort) Reboot(ctx context.Context) error {
	return Call(ctx, OpReboot, p.timeout, p.port.Reboot)
}

func (p *timedPort) InstallUpdate(ctx context.Context, url, checksum string) error {
	return Call(ctx, OpInstallUpdate, p.timeout, func(ctx context.Context) error {
		return p.port.InstallUpdate(ctx, url, checksum)
	})
}
