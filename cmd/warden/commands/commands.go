// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the warden CLI command tree.
package commands

import (
	"fmt"
	"io"
	"os"

	auditcmd "github.com/bureau-foundation/warden/cmd/warden/audit"
	"github.com/bureau-foundation/warden/cmd/warden/cli"
	keygencmd "github.com/bureau-foundation/warden/cmd/warden/keygen"
	statuscmd "github.com/bureau-foundation/warden/cmd/warden/status"
	"github.com/bureau-foundation/warden/lib/version"
)

// Root builds and returns the complete warden CLI command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "warden",
		Description: `warden: operator tooling for the warden device agent.

Inspect a device's lock state, command queue, and tamper-evident audit
log, and provision device keys at enrollment.`,
		Subcommands: []*cli.Command{
			statuscmd.Command(),
			auditcmd.Command(),
			keygencmd.Command(),
			versionCommand(os.Stdout),
		},
		Examples: []cli.Example{
			{
				Description: "Show what the agent is enforcing",
				Command:     "warden status",
			},
			{
				Description: "Check the audit log for tampering",
				Command:     "warden audit verify",
			},
			{
				Description: "Provision a new device key",
				Command:     "warden keygen --out master.key --public-key-out checkpoint.pub",
			},
		},
	}
}

func versionCommand(w io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			_, err := fmt.Fprintf(w, "warden %s\n", version.Full())
			return err
		},
	}
}
