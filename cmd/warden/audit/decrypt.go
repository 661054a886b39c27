// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/warden/cmd/warden/cli"
	"github.com/bureau-foundation/warden/lib/audit"
	"github.com/bureau-foundation/warden/lib/secret"
)

// OpenedBundle is the --json form of one decrypted bundle.
type OpenedBundle struct {
	File       string         `json:"file"`
	RangeStart uint64         `json:"range_start"`
	RangeEnd   uint64         `json:"range_end"`
	Verified   bool           `json:"verified"`
	Entries    []EntrySummary `json:"entries"`
}

func decryptCommand() *cli.Command {
	var (
		output        cli.JSONOutput
		identityPath  string
		checkpointKey string
	)
	return &cli.Command{
		Name:    "decrypt",
		Summary: "Decrypt and verify archived audit bundles",
		Description: `Decrypt audit bundles uploaded from a device's outbox and print their
entries. With --checkpoint-key, each bundle's checkpoint signature and
entry hashes are verified against the device's checkpoint public key
(printed by "warden keygen"), and verification failure exits 1.`,
		Usage: "warden audit decrypt --identity FILE [--checkpoint-key HEX] BUNDLE...",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("decrypt", pflag.ContinueOnError)
			output.AddFlag(flagSet)
			flagSet.StringVar(&identityPath, "identity", "", "file holding the archive identity (AGE-SECRET-KEY-1...)")
			flagSet.StringVar(&checkpointKey, "checkpoint-key", "", "device checkpoint public key, hex")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Verify a bundle against a device's checkpoint key",
				Command:     `warden audit decrypt --identity archive.key --checkpoint-key "$(cat checkpoint.pub)" uploads/*.bundle`,
			},
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("at least one bundle file is required")
			}
			if identityPath == "" {
				return fmt.Errorf("--identity is required")
			}
			identity, err := readIdentity(identityPath)
			if err != nil {
				return err
			}
			defer identity.Close()

			var publicKey ed25519.PublicKey
			if checkpointKey != "" {
				publicKey, err = parsePublicKey(checkpointKey)
				if err != nil {
					return err
				}
			}

			opened, failed, err := DecryptBundles(args, identity, publicKey, os.Stderr)
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(os.Stdout, opened); done {
				if err != nil {
					return err
				}
			} else {
				for _, bundle := range opened {
					status := "unverified"
					if bundle.Verified {
						status = "verified"
					}
					fmt.Fprintf(os.Stdout, "# %s: entries %d-%d (%s)\n", bundle.File, bundle.RangeStart, bundle.RangeEnd, status)
					renderSummaries(os.Stdout, bundle.Entries)
				}
			}
			if failed {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

// DecryptBundles opens each file with identity. With a public key,
// each bundle is verified and failures are written to problems and
// reported through failed. A file that cannot be decrypted is an
// error.
func DecryptBundles(files []string, identity *secret.Buffer, publicKey ed25519.PublicKey, problems io.Writer) (opened []OpenedBundle, failed bool, err error) {
	opened = []OpenedBundle{}
	for _, file := range files {
		ciphertext, err := os.ReadFile(file)
		if err != nil {
			return nil, false, err
		}
		bundle, err := audit.OpenBundle(ciphertext, identity)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", file, err)
		}
		result := OpenedBundle{
			File:       file,
			RangeStart: bundle.Checkpoint.RangeStart,
			RangeEnd:   bundle.Checkpoint.RangeEnd,
			Entries:    summarizeEntries(bundle.Entries),
		}
		if publicKey != nil {
			if err := audit.VerifyCheckpoint(bundle.Checkpoint, publicKey, bundle.Entries); err != nil {
				fmt.Fprintf(problems, "%s: %v\n", file, err)
				failed = true
			} else {
				result.Verified = true
			}
		}
		opened = append(opened, result)
	}
	return opened, failed, nil
}

func readIdentity(path string) (*secret.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading archive identity: %w", err)
	}
	defer secret.Zero(data)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("archive identity file %s is empty", path)
	}
	return secret.NewFromBytes(trimmed)
}

func parsePublicKey(value string) (ed25519.PublicKey, error) {
	decoded, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("--checkpoint-key: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("--checkpoint-key: got %d bytes, want %d", len(decoded), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(decoded), nil
}

func renderSummaries(w io.Writer, entries []EntrySummary) {
	for _, entry := range entries {
		fmt.Fprintf(w, "%d  %s  %s  %s/%s  %s\n",
			entry.Seq, entry.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), entry.Severity,
			entry.Category, entry.Action, formatDetails(entry.Details))
	}
}
