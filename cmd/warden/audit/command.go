// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit implements the "warden audit" commands: chain and
// checkpoint verification, listing recent entries, and opening
// archived bundles.
package audit

import "github.com/bureau-foundation/warden/cmd/warden/cli"

// Command returns the "audit" subcommand group.
func Command() *cli.Command {
	return &cli.Command{
		Name:    "audit",
		Summary: "Inspect and verify the audit log",
		Description: `Inspect and verify the agent's hash-chained audit log.

verify and tail read the on-device database and need the device master
key. decrypt runs wherever the archive identity is held, usually the
backend.`,
		Subcommands: []*cli.Command{
			verifyCommand(),
			tailCommand(),
			decryptCommand(),
		},
	}
}
