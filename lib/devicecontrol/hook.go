// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package devicecontrol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/bureau-foundation/warden/lib/command"
)

// ErrNotConfigured is returned by HookPort for destructive operations
// with no hook.
var ErrNotConfigured = errors.New("no hook configured")

// Hooks holds one argv per operation. Action arguments are appended:
// the lock type name for lock, the URL and checksum for install_update.
type Hooks struct {
	Lock          []string
	Unlock        []string
	Wipe          []string
	Reboot        []string
	InstallUpdate []string
}

// HookPort implements Port by running operator-supplied commands. A
// missing lock or unlock hook is a successful no-op, since the UI
// overlay driven by the lock-state notifier is the enforcement on
// devices without one. Missing wipe, reboot, and install_update hooks
// fail with ErrNotConfigured.
type HookPort struct {
	hooks  Hooks
	logger *slog.Logger
}

// NewHookPort returns a HookPort for hooks.
func NewHookPort(hooks Hooks, logger *slog.Logger) *HookPort {
	return &HookPort{hooks: hooks, logger: logger}
}

func (p *HookPort) ApplyLock(ctx context.Context, lockType command.LockType) error {
	if len(p.hooks.Lock) == 0 {
		p.logger.Debug("no lock hook; overlay only", "lock_type", lockType.String())
		return nil
	}
	return p.run(ctx, OpApplyLock, p.hooks.Lock, lockType.String())
}

func (p *HookPort) ApplyUnlock(ctx context.Context) error {
	if len(p.hooks.Unlock) == 0 {
		p.logger.Debug("no unlock hook; overlay only")
		return nil
	}
	return p.run(ctx, OpApplyUnlock, p.hooks.Unlock)
}

func (p *HookPort) Wipe(ctx context.Context) error {
	return p.run(ctx, OpWipe, p.hooks.Wipe)
}

func (p *HookPort) Reboot(ctx context.Context) error {
	return p.run(ctx, OpReboot, p.hooks.Reboot)
}

func (p *HookPort) InstallUpdate(ctx context.Context, url, checksum string) error {
	return p.run(ctx, OpInstallUpdate, p.hooks.InstallUpdate, url, checksum)
}

// run executes argv plus args in its own process group. When ctx ends
// the whole group is killed so a hook's children cannot outlive it.
func (p *HookPort) run(ctx context.Context, op Operation, argv []string, args ...string) error {
	if len(argv) == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotConfigured)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:len(argv):len(argv)], args...)...)
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	started := time.Now()
	err := cmd.Run()
	p.logger.Info("device control hook finished",
		"operation", string(op),
		"hook", argv[0],
		"duration", time.Since(started),
		"error", err,
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s hook %s: %w (stderr: %s)", op, argv[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
