// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/bureau-foundation/warden/cmd/warden/cli"
	"github.com/bureau-foundation/warden/lib/command"
	"github.com/bureau-foundation/warden/lib/config"
	"github.com/bureau-foundation/warden/lib/devicekey"
	"github.com/bureau-foundation/warden/lib/lockstate"
	"github.com/bureau-foundation/warden/lib/queue"
)

// recentHistory is how many terminal commands the report includes.
const recentHistory = 5

// Report is everything "warden status" shows.
type Report struct {
	DeviceID    string       `json:"device_id"`
	Environment string       `json:"environment"`
	CollectedAt time.Time    `json:"collected_at"`
	Lock        *LockReport  `json:"lock,omitempty"`
	Queue       *QueueReport `json:"queue,omitempty"`
	Audit       *AuditReport `json:"audit,omitempty"`

	// UI is the last event the agent published for the lock overlay.
	UI *lockstate.Event `json:"ui,omitempty"`

	// Problems lists sections that could not be read.
	Problems []string `json:"problems,omitempty"`
}

// LockReport is the lock state derived from the state file.
type LockReport struct {
	State   lockstate.State `json:"state"`
	Records []LockRecord    `json:"records"`
}

// LockRecord is one lock record.
type LockRecord struct {
	ID        string     `json:"id"`
	LockType  string     `json:"lock_type"`
	Reason    string     `json:"reason,omitempty"`
	Source    string     `json:"source"`
	AppliedAt time.Time  `json:"applied_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Expired   bool       `json:"expired,omitempty"`
}

// QueueReport summarizes the command queue.
type QueueReport struct {
	Active       []CommandSummary `json:"active"`
	HistoryCount int              `json:"history_count"`
	// Recent holds the newest terminal commands, newest first.
	Recent []CommandSummary `json:"recent"`
}

// CommandSummary is one queued or finished command.
type CommandSummary struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Priority   int       `json:"priority"`
	Origin     string    `json:"origin"`
	RetryCount int       `json:"retry_count"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Result     string    `json:"result,omitempty"`
}

// AuditReport summarizes the audit log.
type AuditReport struct {
	Retained    int       `json:"retained"`
	FirstSeq    uint64    `json:"first_seq"`
	HeadSeq     uint64    `json:"head_seq"`
	HeadAction  string    `json:"head_action,omitempty"`
	HeadHash    string    `json:"head_hash,omitempty"`
	HeadTime    time.Time `json:"head_time"`
	Checkpoints int       `json:"checkpoints"`
	Archived    int       `json:"archived"`
}

// Collect reads the agent's state files named by cfg. A section that
// cannot be read is reported in Problems; only a missing master key
// fails the whole report, since nothing sealed can be read without it.
func Collect(ctx context.Context, cfg *config.Config, now time.Time, logger *slog.Logger) (*Report, error) {
	report := &Report{
		DeviceID:    cfg.Device.ID,
		Environment: string(cfg.Environment),
		CollectedAt: now,
	}

	keys, err := cli.OpenKeySet(cfg)
	if err != nil {
		return nil, err
	}
	defer keys.Close()

	view, err := lockstate.ReadFile(cfg.Paths.LockStateFile, keys, now)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		report.Lock = &LockReport{State: lockstate.Unlocked, Records: []LockRecord{}}
	case err != nil:
		report.Problems = append(report.Problems, fmt.Sprintf("lock state: %v", err))
	default:
		report.Lock = lockReport(view, now)
	}

	snapshot, err := queue.ReadFile(cfg.Paths.QueueFile, keys)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		report.Queue = &QueueReport{Active: []CommandSummary{}, Recent: []CommandSummary{}}
	case err != nil:
		report.Problems = append(report.Problems, fmt.Sprintf("queue: %v", err))
	default:
		report.Queue = queueReport(snapshot)
	}

	auditReport, err := collectAudit(ctx, cfg, keys, logger)
	if err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("audit: %v", err))
	} else {
		report.Audit = auditReport
	}

	if cfg.Paths.UIStateFile != "" {
		event, err := readUIState(cfg.Paths.UIStateFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			report.Problems = append(report.Problems, fmt.Sprintf("ui state: %v", err))
		}
		report.UI = event
	}
	return report, nil
}

func lockReport(view *lockstate.View, now time.Time) *LockReport {
	report := &LockReport{State: view.State, Records: make([]LockRecord, 0, len(view.Records))}
	for _, record := range view.Records {
		entry := LockRecord{
			ID:        record.ID,
			LockType:  record.LockType.String(),
			Reason:    record.Reason,
			Source:    string(record.Source),
			AppliedAt: record.AppliedAt,
			Expired:   record.Expired(now),
		}
		if !record.ExpiresAt.IsZero() {
			expires := record.ExpiresAt
			entry.ExpiresAt = &expires
		}
		report.Records = append(report.Records, entry)
	}
	return report
}

func queueReport(snapshot *queue.Snapshot) *QueueReport {
	report := &QueueReport{
		Active:       make([]CommandSummary, 0, len(snapshot.Active)),
		HistoryCount: len(snapshot.History),
		Recent:       []CommandSummary{},
	}
	for _, cmd := range snapshot.Active {
		report.Active = append(report.Active, summarize(cmd))
	}
	for i := len(snapshot.History) - 1; i >= 0 && len(report.Recent) < recentHistory; i-- {
		report.Recent = append(report.Recent, summarize(snapshot.History[i]))
	}
	return report
}

func summarize(cmd *command.Command) CommandSummary {
	return CommandSummary{
		ID:         cmd.ID,
		Kind:       cmd.Kind.Name(),
		Status:     cmd.Status.String(),
		Priority:   cmd.Priority,
		Origin:     cmd.Origin.String(),
		RetryCount: cmd.RetryCount,
		EnqueuedAt: cmd.EnqueuedAt,
		Result:     cmd.ExecutionResult,
	}
}

func collectAudit(ctx context.Context, cfg *config.Config, keys *devicekey.KeySet, logger *slog.Logger) (*AuditReport, error) {
	handle, err := cli.OpenAudit(ctx, cfg, keys, logger)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	bounds, err := handle.Store.Bounds(ctx)
	if err != nil {
		return nil, err
	}
	report := &AuditReport{Retained: bounds.Count, FirstSeq: bounds.First}
	if head, ok := handle.Log.Head(); ok {
		report.HeadSeq = head.Seq
		report.HeadAction = head.Action
		report.HeadHash = head.SelfHash.String()
		report.HeadTime = head.Timestamp
	}

	checkpoints, err := handle.Log.Checkpoints(ctx)
	if err != nil {
		return nil, err
	}
	report.Checkpoints = len(checkpoints)
	for _, checkpoint := range checkpoints {
		if checkpoint.Archived {
			report.Archived++
		}
	}
	return report, nil
}

// readUIState returns the last overlay event, or nil when the agent
// has not written one.
func readUIState(path string) (*lockstate.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var event lockstate.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &event, nil
}
