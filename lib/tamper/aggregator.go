// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tamper

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/warden/lib/audit"
	"github.com/bureau-foundation/warden/lib/clock"
	"github.com/bureau-foundation/warden/lib/command"
)

// Enqueuer accepts synthesized commands. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, cmd *command.Command) (bool, error)
}

// Config configures an Aggregator.
type Config struct {
	Queue  Enqueuer
	Audit  audit.Recorder
	Clock  clock.Clock
	Logger *slog.Logger
	Policy Policy
}

// Aggregator folds signals into the overall tamper severity.
type Aggregator struct {
	queue  Enqueuer
	audit  audit.Recorder
	clock  clock.Clock
	logger *slog.Logger
	policy Policy

	mu      sync.Mutex
	active  map[string]*tracked
	overall Severity
}

type tracked struct {
	kind         string
	baseSeverity Severity
	detail       string
	firstSeen    time.Time
	lastSeen     time.Time
	// reports holds attempt report times inside the freshness window.
	// Only attempt kinds record them.
	reports []time.Time
}

func (t *tracked) severity(policy Policy) Severity {
	if policy.AttemptThreshold > 0 && len(t.reports) >= policy.AttemptThreshold {
		return Critical
	}
	return t.baseSeverity
}

// New returns an Aggregator with no active signals.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("tamper: Queue is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("tamper: Audit is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("tamper: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("tamper: Logger is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("tamper: %w", err)
	}
	return &Aggregator{
		queue:  cfg.Queue,
		audit:  cfg.Audit,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		policy: cfg.Policy,
		active: make(map[string]*tracked),
	}, nil
}

// Report ingests one signal. A signal with a zero DetectedAt is stamped
// with the current time. Returns an error only if a synthesized lock
// could not be enqueued.
func (a *Aggregator) Report(ctx context.Context, signal Signal) error {
	if signal.Kind == "" {
		return fmt.Errorf("tamper signal has no kind")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if signal.DetectedAt.IsZero() {
		signal.DetectedAt = now
	}
	a.pruneLocked(ctx, now)

	base := max(signal.Severity, a.policy.SeverityFor(signal.Kind))
	entry, ok := a.active[signal.Kind]
	if !ok {
		entry = &tracked{kind: signal.Kind, firstSeen: signal.DetectedAt}
		a.active[signal.Kind] = entry
	}
	entry.baseSeverity = max(entry.baseSeverity, base)
	entry.detail = signal.Detail
	entry.lastSeen = signal.DetectedAt
	if a.policy.IsAttemptKind(signal.Kind) {
		entry.reports = append(entry.reports, signal.DetectedAt)
	}

	severity := entry.severity(a.policy)
	a.record(ctx, audit.Record{
		Category: audit.CategoryTamper,
		Action:   "TAMPER_SIGNAL",
		Details: map[string]string{
			"kind":     signal.Kind,
			"severity": severity.String(),
			"attempts": fmt.Sprint(len(entry.reports)),
			"detail":   signal.Detail,
		},
		Severity: auditSeverity(severity),
	})

	return a.recomputeLocked(ctx, now)
}

// Prune drops signals not re-reported within the freshness window and
// recomputes the overall severity.
func (a *Aggregator) Prune(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	a.pruneLocked(ctx, now)
	return a.recomputeLocked(ctx, now)
}

func (a *Aggregator) pruneLocked(ctx context.Context, now time.Time) {
	cutoff := now.Add(-a.policy.FreshnessWindow)
	for kind, entry := range a.active {
		entry.reports = slices.DeleteFunc(entry.reports, func(at time.Time) bool {
			return at.Before(cutoff)
		})
		if entry.lastSeen.Before(cutoff) {
			delete(a.active, kind)
			a.record(ctx, audit.Record{
				Category: audit.CategoryTamper,
				Action:   "TAMPER_SIGNAL_CLEARED",
				Details: map[string]string{
					"kind":      kind,
					"last_seen": entry.lastSeen.UTC().Format(time.RFC3339),
				},
				Severity: audit.SeverityInfo,
			})
		}
	}
}

// recomputeLocked updates the overall severity and synthesizes a Hard
// lock when it rises into Critical.
func (a *Aggregator) recomputeLocked(ctx context.Context, now time.Time) error {
	overall := None
	var critical []string
	for kind, entry := range a.active {
		severity := entry.severity(a.policy)
		overall = max(overall, severity)
		if severity == Critical {
			critical = append(critical, kind)
		}
	}

	previous := a.overall
	a.overall = overall
	if overall == previous {
		return nil
	}

	a.logger.Info("tamper severity changed",
		"previous", previous.String(),
		"severity", overall.String(),
	)
	a.record(ctx, audit.Record{
		Category: audit.CategoryTamper,
		Action:   "TAMPER_SEVERITY_CHANGED",
		Details: map[string]string{
			"previous": previous.String(),
			"severity": overall.String(),
		},
		Severity: auditSeverity(overall),
	})

	if overall != Critical {
		return nil
	}
	sort.Strings(critical)
	return a.synthesizeLockLocked(ctx, now, critical)
}

func (a *Aggregator) synthesizeLockLocked(ctx context.Context, now time.Time, kinds []string) error {
	lock := command.NewInternal(command.LockDevice{LockType: command.LockHard}, command.MaxPriority, now)
	reason := "tamper: " + strings.Join(kinds, ", ")
	lock.Parameters[command.ParamReason] = reason
	lock.Parameters[command.ParamMessage] = "This device has been locked because tampering was detected."

	if _, err := a.queue.Enqueue(ctx, lock); err != nil {
		a.logger.Error("enqueueing tamper lock failed",
			"command_id", lock.ID,
			"error", err,
		)
		return fmt.Errorf("enqueueing tamper lock: %w", err)
	}
	a.record(ctx, audit.Record{
		Category: audit.CategoryInternalCommand,
		Action:   "TAMPER_LOCK_SYNTHESIZED",
		Details: map[string]string{
			"command_id": lock.ID,
			"reason":     reason,
		},
		Severity: audit.SeverityCritical,
	})
	return nil
}

// Status returns the overall severity and active signals sorted by
// kind.
func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	status := Status{Overall: a.overall}
	for _, entry := range a.active {
		status.Active = append(status.Active, ActiveSignal{
			Kind:      entry.kind,
			Severity:  entry.severity(a.policy),
			Detail:    entry.detail,
			FirstSeen: entry.firstSeen,
			LastSeen:  entry.lastSeen,
			Attempts:  len(entry.reports),
		})
	}
	sort.Slice(status.Active, func(i, j int) bool { return status.Active[i].Kind < status.Active[j].Kind })
	return status
}

// Overall returns the overall severity.
func (a *Aggregator) Overall() Severity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.overall
}

// Run reports every signal received on signals and prunes on a ticker
// of half the freshness window. It returns when ctx is done or signals
// is closed.
func (a *Aggregator) Run(ctx context.Context, signals <-chan Signal) {
	ticker := a.clock.NewTicker(a.policy.FreshnessWindow / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case signal, ok := <-signals:
			if !ok {
				return
			}
			if err := a.Report(ctx, signal); err != nil {
				a.logger.Error("tamper report failed",
					"kind", signal.Kind,
					"error", err,
				)
			}
		case <-ticker.C:
			if err := a.Prune(ctx); err != nil {
				a.logger.Error("tamper prune failed", "error", err)
			}
		}
	}
}

func auditSeverity(severity Severity) audit.Severity {
	switch severity {
	case Critical:
		return audit.SeverityCritical
	case High, Medium:
		return audit.SeverityWarning
	default:
		return audit.SeverityInfo
	}
}

func (a *Aggregator) record(ctx context.Context, record audit.Record) {
	if _, err := a.audit.Append(ctx, record); err != nil {
		a.logger.Error("audit append failed",
			"action", record.Action,
			"error", err,
		)
	}
}
