// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package status implements "warden status", which reads the agent's
// sealed state files and audit database and prints a summary.
package status

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/warden/cmd/warden/cli"
)

// Command returns the "status" command.
func Command() *cli.Command {
	var (
		configFlag cli.ConfigFlag
		output     cli.JSONOutput
	)
	return &cli.Command{
		Name:    "status",
		Summary: "Show lock state, queued commands, and the audit head",
		Description: `Show the agent's lock state, command queue, and audit log.

Reads the sealed state files directly, so it works whether or not the
agent is running. Requires read access to the device master key.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			configFlag.AddFlag(flagSet)
			output.AddFlag(flagSet)
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Summarize the agent's state", Command: "warden status --config /etc/warden/warden.yaml"},
			{Description: "Machine-readable output", Command: "warden status --json"},
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			cfg, err := configFlag.Load()
			if err != nil {
				return err
			}
			logger := cli.NewCommandLogger().With("command", "status")
			report, err := Collect(context.Background(), cfg, time.Now(), logger)
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(os.Stdout, report); done {
				return err
			}
			Render(os.Stdout, report)
			return nil
		},
	}
}
