// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/warden/lib/lockstate"
)

// styles holds the lipgloss styles for one output. The renderer
// detects the writer's color support, so piped output is plain text.
type styles struct {
	heading lipgloss.Style
	label   lipgloss.Style
	muted   lipgloss.Style
	warning lipgloss.Style
	states  map[lockstate.State]lipgloss.Style
}

func newStyles(w io.Writer) styles {
	renderer := lipgloss.NewRenderer(w)
	return styles{
		heading: renderer.NewStyle().Bold(true).Underline(true),
		label:   renderer.NewStyle().Width(14).Foreground(lipgloss.Color("245")),
		muted:   renderer.NewStyle().Foreground(lipgloss.Color("245")),
		warning: renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("208")),
		states: map[lockstate.State]lipgloss.Style{
			lockstate.Unlocked:  renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("34")),
			lockstate.Soft:      renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("178")),
			lockstate.Hard:      renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("160")),
			lockstate.Permanent: renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("129")),
		},
	}
}

// Render writes the human-readable report.
func Render(w io.Writer, report *Report) {
	style := newStyles(w)

	fmt.Fprintf(w, "%s %s (%s)\n", style.heading.Render("Device"), report.DeviceID, report.Environment)

	fmt.Fprintf(w, "\n%s\n", style.heading.Render("Lock"))
	if report.Lock == nil {
		fmt.Fprintf(w, "  %s\n", style.muted.Render("unavailable"))
	} else {
		fmt.Fprintf(w, "  %s%s\n", style.label.Render("state"), style.states[report.Lock.State].Render(report.Lock.State.String()))
		if report.UI != nil {
			if report.UI.EnforcementPending {
				fmt.Fprintf(w, "  %s\n", style.warning.Render("enforcement pending: the platform has not confirmed the lock"))
			}
			if report.UI.Degraded {
				fmt.Fprintf(w, "  %s\n", style.warning.Render("degraded: lock state could not be persisted"))
			}
		}
		if len(report.Lock.Records) > 0 {
			tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "  ID\tTYPE\tSOURCE\tAPPLIED\tEXPIRES\tREASON")
			for _, record := range report.Lock.Records {
				expires := "never"
				if record.ExpiresAt != nil {
					expires = formatTime(*record.ExpiresAt)
				}
				if record.Expired {
					expires += " (expired)"
				}
				fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\n",
					record.ID, record.LockType, record.Source, formatTime(record.AppliedAt), expires, record.Reason)
			}
			tw.Flush()
		}
	}

	fmt.Fprintf(w, "\n%s\n", style.heading.Render("Queue"))
	if report.Queue == nil {
		fmt.Fprintf(w, "  %s\n", style.muted.Render("unavailable"))
	} else {
		fmt.Fprintf(w, "  %s%d active, %d in history\n", style.label.Render("commands"), len(report.Queue.Active), report.Queue.HistoryCount)
		if len(report.Queue.Active) > 0 {
			renderCommands(w, report.Queue.Active)
		}
		if len(report.Queue.Recent) > 0 {
			fmt.Fprintf(w, "  %s\n", style.muted.Render("recent:"))
			renderCommands(w, report.Queue.Recent)
		}
	}

	fmt.Fprintf(w, "\n%s\n", style.heading.Render("Audit"))
	if report.Audit == nil {
		fmt.Fprintf(w, "  %s\n", style.muted.Render("unavailable"))
	} else if report.Audit.HeadSeq == 0 {
		fmt.Fprintf(w, "  %s\n", style.muted.Render("empty"))
	} else {
		audit := report.Audit
		fmt.Fprintf(w, "  %s#%d %s at %s\n", style.label.Render("head"), audit.HeadSeq, audit.HeadAction, formatTime(audit.HeadTime))
		fmt.Fprintf(w, "  %s%s\n", style.label.Render("hash"), audit.HeadHash)
		fmt.Fprintf(w, "  %s%d-%d (%d entries)\n", style.label.Render("retained"), audit.FirstSeq, audit.HeadSeq, audit.Retained)
		fmt.Fprintf(w, "  %s%d (%d archived)\n", style.label.Render("checkpoints"), audit.Checkpoints, audit.Archived)
	}

	if len(report.Problems) > 0 {
		fmt.Fprintf(w, "\n%s\n", style.warning.Render("Problems"))
		for _, problem := range report.Problems {
			fmt.Fprintf(w, "  %s\n", problem)
		}
	}
}

func renderCommands(w io.Writer, commands []CommandSummary) {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tKIND\tSTATUS\tPRIORITY\tRETRIES\tENQUEUED\tRESULT")
	for _, cmd := range commands {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			cmd.ID, cmd.Kind, cmd.Status, cmd.Priority, cmd.RetryCount, formatTime(cmd.EnqueuedAt), truncate(cmd.Result, 48))
	}
	tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(value string, limit int) string {
	value = strings.ReplaceAll(value, "\n", " ")
	if len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}
