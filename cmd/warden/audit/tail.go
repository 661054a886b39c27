// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/warden/cmd/warden/cli"
	"github.com/bureau-foundation/warden/lib/audit"
)

// EntrySummary is the --json form of one entry.
type EntrySummary struct {
	Seq       uint64            `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	Severity  string            `json:"severity"`
	Category  string            `json:"category"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
	Hash      string            `json:"hash"`
}

func summarizeEntries(entries []audit.Entry) []EntrySummary {
	summaries := make([]EntrySummary, 0, len(entries))
	for _, entry := range entries {
		summaries = append(summaries, EntrySummary{
			Seq:       entry.Seq,
			Timestamp: entry.Timestamp,
			Severity:  entry.Severity.String(),
			Category:  entry.Category,
			Action:    entry.Action,
			Details:   entry.Details,
			Hash:      entry.SelfHash.String(),
		})
	}
	return summaries
}

func tailCommand() *cli.Command {
	var (
		configFlag cli.ConfigFlag
		output     cli.JSONOutput
		count      int
	)
	return &cli.Command{
		Name:    "tail",
		Summary: "Print the newest audit entries",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("tail", pflag.ContinueOnError)
			configFlag.AddFlag(flagSet)
			output.AddFlag(flagSet)
			flagSet.IntVarP(&count, "count", "n", 20, "number of entries to print")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			cfg, err := configFlag.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			logger := cli.NewCommandLogger().With("command", "audit/tail")

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

			entries, err := Tail(ctx, handle.Log, count)
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(os.Stdout, summarizeEntries(entries)); done {
				return err
			}
			renderEntries(os.Stdout, entries)
			return nil
		},
	}
}

// Tail returns up to count of the newest retained entries, oldest
// first.
func Tail(ctx context.Context, log *audit.Log, count int) ([]audit.Entry, error) {
	head, ok := log.Head()
	if !ok {
		return nil, nil
	}
	var from uint64 = 1
	if head.Seq > uint64(count) {
		from = head.Seq - uint64(count) + 1
	}
	return log.Entries(ctx, from, head.Seq)
}

func renderEntries(w io.Writer, entries []audit.Entry) {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	for _, entry := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s/%s\t%s\n",
			entry.Seq,
			entry.Timestamp.UTC().Format(time.RFC3339),
			entry.Severity,
			entry.Category,
			entry.Action,
			formatDetails(entry.Details))
	}
	tw.Flush()
}

// formatDetails renders details as sorted key=value pairs.
func formatDetails(details map[string]string) string {
	keys := make([]string, 0, len(details))
	for key := range details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+details[key])
	}
	return strings.Join(parts, " ")
}
