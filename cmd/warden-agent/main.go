// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Warden-agent is the on-device enforcement process. It owns the
// command queue, the lock state, and the audit log, and keeps them in
// step with the management backend.
//
// On startup:
//  1. Loads and validates the configuration (--config or $WARDEN_CONFIG).
//  2. Reads the device master key and derives the sealing and
//     checkpoint keys from it.
//  3. Opens the audit log, then the queue and lock state, which audit
//     any recovery they perform while loading.
//  4. Starts the executor, the sync client, the tamper aggregator, and
//     the detector socket, and runs until SIGINT, SIGTERM, or a
//     deactivation request from the backend.
//
// Enforcement does not depend on the backend: a tamper signal or a
// queued lock command is applied whether or not the last sync
// succeeded.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/warden/lib/config"
	"github.com/bureau-foundation/warden/lib/process"
	"github.com/bureau-foundation/warden/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("warden-agent", pflag.ContinueOnError)
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flags.StringVar(&configPath, "config", "", "path to warden.yaml (default: $WARDEN_CONFIG)")
	flags.StringVar(&logLevel, "log-level", "info", "minimum log level: debug, info, warn, error")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("warden-agent %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := newAgent(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer agent.Close()

	logger.Info("warden agent starting",
		"version", version.Info(),
		"device_id", cfg.Device.ID,
		"environment", string(cfg.Environment),
		"endpoint", cfg.Sync.Endpoint,
	)
	return agent.Run(ctx)
}
