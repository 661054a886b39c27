// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/bureau-foundation/warden/lib/audit"
	"github.com/bureau-foundation/warden/lib/clock"
	"github.com/bureau-foundation/warden/lib/command"
	"github.com/bureau-foundation/warden/lib/config"
	"github.com/bureau-foundation/warden/lib/devicecontrol"
	"github.com/bureau-foundation/warden/lib/devicekey"
	"github.com/bureau-foundation/warden/lib/executor"
	"github.com/bureau-foundation/warden/lib/hwinfo"
	"github.com/bureau-foundation/warden/lib/lockstate"
	"github.com/bureau-foundation/warden/lib/queue"
	"github.com/bureau-foundation/warden/lib/secret"
	"github.com/bureau-foundation/warden/lib/syncclient"
	"github.com/bureau-foundation/warden/lib/tamper"
)

// agent holds the wired components. Close releases them in reverse
// order of construction.
type agent struct {
	logger *slog.Logger

	keys             *devicekey.KeySet
	checkpointSigner *devicekey.Signer
	store            *audit.SQLiteStore
	auditLog         *audit.Log
	queue            *queue.Queue
	locks            *lockstate.Controller
	tamper           *tamper.Aggregator
	executor         *executor.Executor
	sync             *syncclient.Client
	detector         *tamper.DetectorServer

	signals chan tamper.Signal
	// deactivated receives the backend's reason at most once.
	deactivated chan string
}

func newAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *agent, err error) {
	a := &agent{
		logger:      logger,
		signals:     make(chan tamper.Signal, 64),
		deactivated: make(chan string, 1),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	clk := clock.Real()

	master, err := secret.ReadHexKey(cfg.Device.MasterKeyFile, devicekey.KeySize)
	if err != nil {
		return nil, fmt.Errorf("reading device master key: %w", err)
	}
	a.keys, err = devicekey.NewKeySet(master)
	if err != nil {
		master.Close()
		return nil, err
	}
	a.checkpointSigner, err = a.keys.CheckpointSigner()
	if err != nil {
		return nil, fmt.Errorf("deriving checkpoint key: %w", err)
	}

	verifier, err := command.LoadVerifier(cfg.Device.CommandPublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading command public key: %w", err)
	}

	a.store, err = audit.OpenSQLiteStore(cfg.Paths.AuditDatabase, logger)
	if err != nil {
		return nil, err
	}

	auditConfig := audit.Config{
		Store:              a.store,
		Clock:              clk,
		Logger:             logger,
		Signer:             a.checkpointSigner,
		Capacity:           cfg.Audit.Capacity,
		CheckpointEvery:    cfg.Audit.CheckpointEvery,
		CheckpointInterval: cfg.Audit.CheckpointInterval,
	}
	var archive syncclient.Archive
	if cfg.Device.ArchiveRecipient != "" {
		outbox, err := audit.NewOutbox(cfg.Paths.Outbox, cfg.Device.ArchiveRecipient)
		if err != nil {
			return nil, err
		}
		auditConfig.Archiver = outbox
		archive = outbox
	} else {
		logger.Warn("no archive recipient configured; audit entries will not be archived or evicted")
	}
	a.auditLog, err = audit.Open(ctx, auditConfig)
	if err != nil {
		return nil, err
	}

	port := devicecontrol.WithTimeout(devicecontrol.NewHookPort(devicecontrol.Hooks{
		Lock:          cfg.Hooks.Lock,
		Unlock:        cfg.Hooks.Unlock,
		Wipe:          cfg.Hooks.Wipe,
		Reboot:        cfg.Hooks.Reboot,
		InstallUpdate: cfg.Hooks.InstallUpdate,
	}, logger), cfg.Executor.PortTimeout)

	var ui *uiStateWriter
	if cfg.Paths.UIStateFile != "" {
		ui = newUIStateWriter(cfg.Paths.UIStateFile, logger)
	}

	queueConfig := queue.Config{
		Path:         cfg.Paths.QueueFile,
		Sealer:       a.keys,
		Audit:        a.auditLog,
		Clock:        clk,
		Logger:       logger,
		Capacity:     cfg.Queue.Capacity,
		HistoryLimit: cfg.Queue.HistoryLimit,
	}
	if ui != nil {
		queueConfig.OnDegraded = ui.QueueDegraded
	}
	a.queue, err = queue.Open(ctx, queueConfig)
	if err != nil {
		return nil, err
	}

	lockConfig := lockstate.Config{
		Path:              cfg.Paths.LockStateFile,
		Sealer:            a.keys,
		Port:              port,
		Audit:             a.auditLog,
		Clock:             clk,
		Logger:            logger,
		SoftEscalateAfter: cfg.Lock.SoftEscalateAfter,
	}
	if ui != nil {
		lockConfig.Notifier = ui
	}
	a.locks, err = lockstate.Open(ctx, lockConfig)
	if err != nil {
		return nil, err
	}

	policy := tamper.DefaultPolicy()
	policy.FreshnessWindow = cfg.Tamper.FreshnessWindow
	policy.AttemptThreshold = cfg.Tamper.AttemptThreshold
	if cfg.Tamper.PolicyFile != "" {
		policy, err = tamper.LoadPolicy(cfg.Tamper.PolicyFile, policy)
		if err != nil {
			return nil, err
		}
	}
	a.tamper, err = tamper.New(tamper.Config{
		Queue:  a.queue,
		Audit:  a.auditLog,
		Clock:  clk,
		Logger: logger,
		Policy: policy,
	})
	if err != nil {
		return nil, err
	}

	a.executor, err = executor.New(executor.Config{
		Queue:            a.queue,
		Verifier:         verifier,
		Locks:            a.locks,
		Port:             port,
		Audit:            a.auditLog,
		Wiper:            a.auditLog,
		Clock:            clk,
		Logger:           logger,
		PollInterval:     cfg.Executor.PollInterval,
		PortTimeout:      cfg.Executor.PortTimeout,
		MaxRetries:       cfg.Executor.MaxRetries,
		RetryBaseDelay:   cfg.Executor.RetryBaseDelay,
		EnforcementRetry: cfg.Executor.EnforcementRetry,
	})
	if err != nil {
		return nil, err
	}

	apiKey, err := readAPIKey(cfg.Sync.APIKeyFile)
	if err != nil {
		return nil, err
	}
	transport, err := syncclient.NewHTTPTransport(syncclient.HTTPConfig{
		Endpoint:   cfg.Sync.Endpoint,
		APIKey:     apiKey,
		HTTPClient: &http.Client{},
	})
	if err != nil {
		return nil, err
	}

	a.sync, err = syncclient.New(syncclient.Config{
		DeviceID:          cfg.Device.ID,
		Transport:         transport,
		Queue:             a.queue,
		Locks:             a.locks,
		Tamper:            a.tamper,
		Audit:             a.auditLog,
		AuditHead:         a.auditLog,
		Archive:           archive,
		Prober:            hwinfo.NewProber(cfg.Paths.SysfsRoot),
		Clock:             clk,
		Logger:            logger,
		OnCommands:        a.executor.Wake,
		OnDeactivate:      a.deactivate,
		HeartbeatInterval: cfg.Sync.HeartbeatInterval,
		FullInterval:      cfg.Sync.FullInterval,
		CallTimeout:       cfg.Sync.CallTimeout,
		BackoffBase:       cfg.Sync.BackoffBase,
		BackoffCeiling:    cfg.Sync.BackoffCeiling,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Paths.DetectorSocket != "" {
		a.detector = tamper.NewDetectorServer(cfg.Paths.DetectorSocket, a.signals, clk, logger)
	}
	return a, nil
}

// readAPIKey returns the trimmed contents of path, or "" when path is
// empty.
func readAPIKey(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading API key: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("API key file %s is empty", path)
	}
	return key, nil
}

func (a *agent) deactivate(reason string) {
	select {
	case a.deactivated <- reason:
	default:
	}
}

// Run starts every loop and blocks until ctx is cancelled, the backend
// deactivates the device, or a loop fails. The queue is persisted
// after all loops have stopped.
func (a *agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	start := func(name string, loop func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("loop failed", "loop", name, "error", err)
				errMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", name, err)
				}
				errMu.Unlock()
				cancel()
			}
		}()
	}

	start("audit", a.auditLog.Run)
	start("executor", a.executor.Run)
	start("sync", a.sync.Run)
	start("tamper", func(ctx context.Context) error {
		a.tamper.Run(ctx, a.signals)
		return nil
	})
	if a.detector != nil {
		start("detector", a.detector.Serve)
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case reason := <-a.deactivated:
		a.logger.Warn("device deactivated by backend, stopping", "reason", reason)
		cancel()
	}
	wg.Wait()

	if err := a.queue.Persist(); err != nil {
		a.logger.Error("persisting queue at shutdown", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases key material and the audit store. It is safe on a
// partially constructed agent.
func (a *agent) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("closing audit store", "error", err)
		}
	}
	if a.checkpointSigner != nil {
		a.checkpointSigner.Close()
	}
	if a.keys != nil {
		a.keys.Close()
	}
}
