// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/warden/cmd/warden/cli"
	"github.com/bureau-foundation/warden/lib/audit"
)

// VerifyResult is the outcome of "warden audit verify".
type VerifyResult struct {
	FirstSeq    uint64             `json:"first_seq"`
	LastSeq     uint64             `json:"last_seq"`
	Break       *audit.ChainBreak  `json:"break,omitempty"`
	Checkpoints []CheckpointResult `json:"checkpoints"`
}

// CheckpointResult is the verification outcome for one checkpoint.
type CheckpointResult struct {
	RangeStart uint64 `json:"range_start"`
	RangeEnd   uint64 `json:"range_end"`
	Archived   bool   `json:"archived"`
	// Evicted is set when the range's entries are no longer on the
	// device, so only the signature was checked.
	Evicted bool   `json:"evicted,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK reports whether the chain and every checkpoint verified.
func (r *VerifyResult) OK() bool {
	if r.Break != nil {
		return false
	}
	for _, checkpoint := range r.Checkpoints {
		if checkpoint.Error != "" {
			return false
		}
	}
	return true
}

func verifyCommand() *cli.Command {
	var (
		configFlag cli.ConfigFlag
		output     cli.JSONOutput
		from, to   uint64
	)
	return &cli.Command{
		Name:    "verify",
		Summary: "Verify the hash chain and checkpoint signatures",
		Description: `Recompute every retained entry's hash and check that each links to
its predecessor, then check every checkpoint's signature against the
device's checkpoint key. Checkpoints whose entries are still retained
are also checked against those entries.

Exits 1 if anything fails to verify.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("verify", pflag.ContinueOnError)
			configFlag.AddFlag(flagSet)
			output.AddFlag(flagSet)
			flagSet.Uint64Var(&from, "from", 0, "first sequence number to verify (default: first retained)")
			flagSet.Uint64Var(&to, "to", 0, "last sequence number to verify (default: head)")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Verify the whole retained log", Command: "warden audit verify"},
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			cfg, err := configFlag.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			logger := cli.NewCommandLogger().With("command", "audit/verify")

			keys, err := cli.OpenKeySet(cfg)
			if err != nil {
				return err
			}
			defer keys.Close()
			handle, err := cli.OpenAudit(ctx, cfg, keys, logger)
			if err != nil {
				return err
			}
			defer handle.Close()

			result, err := Verify(ctx, handle.Log, handle.PublicKey, from, to)
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(os.Stdout, result); done {
				if err != nil {
					return err
				}
			} else {
				renderVerify(os.Stdout, result)
			}
			if !result.OK() {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

// Verify checks the chain over [from, to] and every checkpoint.
func Verify(ctx context.Context, log *audit.Log, publicKey ed25519.PublicKey, from, to uint64) (*VerifyResult, error) {
	result := &VerifyResult{Checkpoints: []CheckpointResult{}}

	chainBreak, err := log.VerifyChain(ctx, from, to)
	if err != nil {
		return nil, err
	}
	result.Break = chainBreak

	retained, err := log.Entries(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(retained) > 0 {
		result.FirstSeq = retained[0].Seq
		result.LastSeq = retained[len(retained)-1].Seq
	}

	checkpoints, err := log.Checkpoints(ctx)
	if err != nil {
		return nil, err
	}
	for _, checkpoint := range checkpoints {
		entry := CheckpointResult{
			RangeStart: checkpoint.RangeStart,
			RangeEnd:   checkpoint.RangeEnd,
			Archived:   checkpoint.Archived,
		}
		var entries []audit.Entry
		if len(retained) > 0 && checkpoint.RangeStart >= result.FirstSeq {
			entries = entriesInRange(retained, checkpoint.RangeStart, checkpoint.RangeEnd)
		} else {
			entry.Evicted = true
		}
		if err := audit.VerifyCheckpoint(checkpoint, publicKey, entries); err != nil {
			entry.Error = err.Error()
		}
		result.Checkpoints = append(result.Checkpoints, entry)
	}
	return result, nil
}

// entriesInRange returns the retained entries with Seq in [start, end].
// The result is non-nil so VerifyCheckpoint compares it to the range.
func entriesInRange(entries []audit.Entry, start, end uint64) []audit.Entry {
	selected := []audit.Entry{}
	for _, entry := range entries {
		if entry.Seq >= start && entry.Seq <= end {
			selected = append(selected, entry)
		}
	}
	return selected
}

func renderVerify(w io.Writer, result *VerifyResult) {
	if result.LastSeq == 0 {
		fmt.Fprintln(w, "audit log is empty")
	} else if result.Break != nil {
		fmt.Fprintf(w, "chain BROKEN: %v\n", result.Break)
	} else {
		fmt.Fprintf(w, "chain intact: entries %d-%d\n", result.FirstSeq, result.LastSeq)
	}
	for _, checkpoint := range result.Checkpoints {
		status := "ok"
		if checkpoint.Error != "" {
			status = "FAILED: " + checkpoint.Error
		} else if checkpoint.Evicted {
			status = "ok (signature only; entries archived)"
		}
		fmt.Fprintf(w, "checkpoint %d-%d: %s\n", checkpoint.RangeStart, checkpoint.RangeEnd, status)
	}
}
