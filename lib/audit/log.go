// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/warden/lib/clock"
)

// Config configures a Log.
type Config struct {
	Store  Store
	Clock  clock.Clock
	Logger *slog.Logger
	Signer CheckpointSigner

	// Archiver receives each checkpoint bundle. Without one, entries
	// are never evicted and Capacity is not enforced.
	Archiver Archiver

	// Capacity is the number of entries retained once archived.
	Capacity int
	// CheckpointEvery triggers a checkpoint after this many appends.
	CheckpointEvery int
	// CheckpointInterval triggers a checkpoint from Run when any
	// entries are uncheckpointed.
	CheckpointInterval time.Duration
}

// Log is the hash-chained audit log. It is safe for concurrent use;
// appends are serialized.
type Log struct {
	store    Store
	clock    clock.Clock
	logger   *slog.Logger
	signer   CheckpointSigner
	archiver Archiver

	capacity           int
	checkpointEvery    int
	checkpointInterval time.Duration

	mu sync.Mutex
	// head is the last committed entry; zero Seq means empty.
	head Entry
	// checkpointed is RangeEnd of the newest checkpoint.
	checkpointed uint64
}

// Open loads the chain head and checkpoint state from the store.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("audit: Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("audit: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("audit: Logger is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("audit: Signer is required")
	}
	if cfg.CheckpointEvery <= 0 {
		return nil, fmt.Errorf("audit: CheckpointEvery must be positive")
	}
	if cfg.Capacity < cfg.CheckpointEvery {
		return nil, fmt.Errorf("audit: Capacity (%d) must be at least CheckpointEvery (%d)", cfg.Capacity, cfg.CheckpointEvery)
	}

	log := &Log{
		store:              cfg.Store,
		clock:              cfg.Clock,
		logger:             cfg.Logger,
		signer:             cfg.Signer,
		archiver:           cfg.Archiver,
		capacity:           cfg.Capacity,
		checkpointEvery:    cfg.CheckpointEvery,
		checkpointInterval: cfg.CheckpointInterval,
	}

	bounds, err := cfg.Store.Bounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: reading bounds: %w", err)
	}
	if bounds.Count > 0 {
		last, err := cfg.Store.Range(ctx, bounds.Last, bounds.Last)
		if err != nil || len(last) != 1 {
			return nil, fmt.Errorf("audit: reading head entry %d: %v", bounds.Last, err)
		}
		log.head = last[0]
	}

	checkpoints, err := cfg.Store.Checkpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: reading checkpoints: %w", err)
	}
	if len(checkpoints) > 0 {
		log.checkpointed = checkpoints[len(checkpoints)-1].RangeEnd
	}

	cfg.Logger.Info("audit log opened",
		"head_seq", log.head.Seq,
		"retained", bounds.Count,
		"checkpointed_through", log.checkpointed,
	)
	return log, nil
}

// Append commits record as the next entry. A failed store write is
// retried once immediately. Reaching CheckpointEvery uncheckpointed
// entries triggers a checkpoint; checkpoint failures are logged, not
// returned, since the entry itself is committed.
func (l *Log) Append(ctx context.Context, record Record) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.appendLocked(ctx, record)
	if err != nil {
		return Entry{}, err
	}

	if entry.Seq-l.checkpointed >= uint64(l.checkpointEvery) {
		if err := l.checkpointLocked(ctx); err != nil {
			l.logger.Error("audit checkpoint failed", "head_seq", entry.Seq, "error", err)
		}
	}
	return entry, nil
}

func (l *Log) appendLocked(ctx context.Context, record Record) (Entry, error) {
	details := record.Details
	if len(details) == 0 {
		details = nil
	}
	entry := Entry{
		Seq:       l.head.Seq + 1,
		Timestamp: l.clock.Now(),
		Category:  record.Category,
		Action:    record.Action,
		Details:   details,
		Severity:  record.Severity,
		PrevHash:  l.head.SelfHash,
	}
	selfHash, err := computeHash(entry)
	if err != nil {
		return Entry{}, err
	}
	entry.SelfHash = selfHash

	if err := l.store.Append(ctx, entry); err != nil {
		l.logger.Warn("audit append failed, retrying", "seq", entry.Seq, "error", err)
		if err := l.store.Append(ctx, entry); err != nil {
			return Entry{}, fmt.Errorf("audit: appending entry %d: %w", entry.Seq, err)
		}
	}
	l.head = entry.Clone()
	l.mirror(ctx, entry)
	return entry, nil
}

// mirror writes the entry to the operational log at a level matching
// its severity.
func (l *Log) mirror(ctx context.Context, entry Entry) {
	level := slog.LevelInfo
	switch entry.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	attributes := []any{
		"seq", entry.Seq,
		"category", entry.Category,
		"action", entry.Action,
		"severity", entry.Severity.String(),
	}
	for key, value := range entry.Details {
		attributes = append(attributes, key, value)
	}
	l.logger.Log(ctx, level, "audit", attributes...)
}

// Head returns the last committed entry, or false when the log is
// empty.
func (l *Log) Head() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head.Seq == 0 {
		return Entry{}, false
	}
	return l.head.Clone(), true
}

// Entries returns retained entries in [from, to]. A zero to means
// through the head.
func (l *Log) Entries(ctx context.Context, from, to uint64) ([]Entry, error) {
	if to == 0 {
		to = ^uint64(0)
	}
	return l.store.Range(ctx, from, to)
}

// Checkpoints returns every stored checkpoint.
func (l *Log) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	return l.store.Checkpoints(ctx)
}

// Checkpoint signs a checkpoint over the entries appended since the
// previous one, archives pending checkpoints, and evicts archived
// entries beyond Capacity. It is a no-op when nothing is new.
func (l *Log) Checkpoint(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpointLocked(ctx)
}

func (l *Log) checkpointLocked(ctx context.Context) error {
	if l.head.Seq > l.checkpointed {
		if err := l.sealRangeLocked(ctx, l.checkpointed+1, l.head.Seq); err != nil {
			return err
		}
	}
	if l.archiver == nil {
		return nil
	}
	boundaries, archiveErr := l.archivePendingLocked(ctx)
	if err := l.evictLocked(ctx, boundaries); err != nil {
		return err
	}
	return archiveErr
}

func (l *Log) sealRangeLocked(ctx context.Context, start, end uint64) error {
	entries, err := l.store.Range(ctx, start, end)
	if err != nil {
		return fmt.Errorf("audit: reading range %d-%d: %w", start, end, err)
	}
	if len(entries) != int(end-start+1) {
		return fmt.Errorf("audit: range %d-%d has %d entries", start, end, len(entries))
	}
	hashes := make([]Hash, len(entries))
	for i, entry := range entries {
		hashes[i] = entry.SelfHash
	}

	checkpoint := Checkpoint{
		RangeStart: start,
		RangeEnd:   end,
		RootHash:   MerkleRoot(hashes),
		EndHash:    entries[len(entries)-1].SelfHash,
		CreatedAt:  l.clock.Now(),
	}
	payload, err := checkpoint.SigningPayload()
	if err != nil {
		return err
	}
	checkpoint.Signature = l.signer.Sign(payload)

	if err := l.store.PutCheckpoint(ctx, checkpoint); err != nil {
		return fmt.Errorf("audit: storing checkpoint %d-%d: %w", start, end, err)
	}
	l.checkpointed = end
	l.logger.Info("audit checkpoint created",
		"range_start", start,
		"range_end", end,
		"root_hash", checkpoint.RootHash.String(),
	)
	return nil
}

// archivePendingLocked hands every unarchived checkpoint to the
// archiver, oldest first, stopping at the first failure. It returns
// the RangeEnd of every checkpoint archived so far, ascending: the
// only points at which the retained chain may be cut.
func (l *Log) archivePendingLocked(ctx context.Context) ([]uint64, error) {
	checkpoints, err := l.store.Checkpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: listing checkpoints: %w", err)
	}

	var boundaries []uint64
	for _, checkpoint := range checkpoints {
		if !checkpoint.Archived {
			entries, err := l.store.Range(ctx, checkpoint.RangeStart, checkpoint.RangeEnd)
			if err != nil {
				return boundaries, fmt.Errorf("audit: reading checkpoint %d-%d: %w", checkpoint.RangeStart, checkpoint.RangeEnd, err)
			}
			if err := l.archiver.Archive(ctx, Bundle{Checkpoint: checkpoint, Entries: entries}); err != nil {
				return boundaries, fmt.Errorf("audit: archiving checkpoint %d-%d: %w", checkpoint.RangeStart, checkpoint.RangeEnd, err)
			}
			checkpoint.Archived = true
			if err := l.store.PutCheckpoint(ctx, checkpoint); err != nil {
				return boundaries, fmt.Errorf("audit: marking checkpoint %d-%d archived: %w", checkpoint.RangeStart, checkpoint.RangeEnd, err)
			}
		}
		boundaries = append(boundaries, checkpoint.RangeEnd)
	}
	return boundaries, nil
}

// evictLocked brings the retained count within capacity by cutting at
// the first archived checkpoint boundary that removes enough entries,
// or at the last boundary available when none does. Cutting at a
// boundary keeps the first retained entry anchored to a checkpoint's
// EndHash.
func (l *Log) evictLocked(ctx context.Context, boundaries []uint64) error {
	bounds, err := l.store.Bounds(ctx)
	if err != nil {
		return fmt.Errorf("audit: reading bounds: %w", err)
	}
	excess := bounds.Count - l.capacity
	if excess <= 0 || len(boundaries) == 0 {
		return nil
	}

	wanted := bounds.First + uint64(excess) - 1
	through := boundaries[len(boundaries)-1]
	for _, boundary := range boundaries {
		if boundary >= wanted {
			through = boundary
			break
		}
	}
	if through < bounds.First {
		return nil
	}
	if err := l.store.Evict(ctx, through); err != nil {
		return fmt.Errorf("audit: evicting through %d: %w", through, err)
	}
	l.logger.Info("audit entries evicted", "first", bounds.First, "through", through)
	return nil
}

// Run checkpoints every CheckpointInterval until ctx is done.
func (l *Log) Run(ctx context.Context) error {
	if l.checkpointInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := l.clock.NewTicker(l.checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Checkpoint(ctx); err != nil {
				l.logger.Error("periodic audit checkpoint failed", "error", err)
			}
		}
	}
}

// Wipe records DATA_WIPE as the final entry, checkpoints and archives
// it, then erases the store. The log restarts from an empty chain. An
// archive failure is logged and does not prevent the wipe.
func (l *Log) Wipe(ctx context.Context, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.appendLocked(ctx, Record{
		Category: CategoryDevice,
		Action:   ActionDataWipe,
		Details:  map[string]string{"reason": reason},
		Severity: SeverityCritical,
	}); err != nil {
		return err
	}
	if err := l.sealRangeLocked(ctx, l.checkpointed+1, l.head.Seq); err != nil {
		l.logger.Error("final audit checkpoint failed", "error", err)
	} else if l.archiver != nil {
		if _, err := l.archivePendingLocked(ctx); err != nil {
			l.logger.Error("final audit archive failed", "error", err)
		}
	}

	if err := l.store.Wipe(ctx); err != nil {
		return fmt.Errorf("audit: wiping store: %w", err)
	}
	l.head = Entry{}
	l.checkpointed = 0
	l.logger.Warn("audit log wiped", "reason", reason)
	return nil
}

// ChainBreak locates the first integrity failure.
type ChainBreak struct {
	Seq    uint64
	Reason string
}

func (b *ChainBreak) Error() string {
	return fmt.Sprintf("audit chain broken at entry %d: %s", b.Seq, b.Reason)
}

// VerifyChain recomputes hashes over retained entries in [from, to]
// (zero to means the head; from below the first retained entry starts
// there) and returns the first break, or nil. The first entry of the
// log links to the zero hash; the first retained entry after eviction
// links to the EndHash of the checkpoint that covered its predecessor.
// The error return is for store failures only.
func (l *Log) VerifyChain(ctx context.Context, from, to uint64) (*ChainBreak, error) {
	bounds, err := l.store.Bounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: reading bounds: %w", err)
	}
	if bounds.Count == 0 {
		return nil, nil
	}
	if from < bounds.First {
		from = bounds.First
	}
	if to == 0 || to > bounds.Last {
		to = bounds.Last
	}
	if from > to {
		return nil, nil
	}

	start := from
	if from > bounds.First {
		start = from - 1
	}
	entries, err := l.store.Range(ctx, start, to)
	if err != nil {
		return nil, fmt.Errorf("audit: reading range %d-%d: %w", start, to, err)
	}
	if len(entries) == 0 || entries[0].Seq != start {
		return &ChainBreak{Seq: start, Reason: "entry missing"}, nil
	}

	var previous Hash
	var previousSeq uint64
	if start < from {
		// The predecessor anchors the chain; its own integrity is the
		// caller's concern when from excludes it.
		previous = entries[0].SelfHash
		previousSeq = entries[0].Seq
		entries = entries[1:]
	} else if start > 1 {
		anchor, ok, err := l.anchorFor(ctx, start)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &ChainBreak{Seq: start, Reason: "no checkpoint covers the evicted predecessor"}, nil
		}
		previous = anchor
		previousSeq = start - 1
	}

	for _, entry := range entries {
		if entry.Seq != previousSeq+1 {
			return &ChainBreak{Seq: previousSeq + 1, Reason: "entry missing"}, nil
		}
		if entry.PrevHash != previous {
			return &ChainBreak{Seq: entry.Seq, Reason: "previous hash does not match predecessor"}, nil
		}
		computed, err := computeHash(entry)
		if err != nil {
			return nil, err
		}
		if computed != entry.SelfHash {
			return &ChainBreak{Seq: entry.Seq, Reason: "self hash does not match content"}, nil
		}
		previous = entry.SelfHash
		previousSeq = entry.Seq
	}
	return nil, nil
}

func (l *Log) anchorFor(ctx context.Context, seq uint64) (Hash, bool, error) {
	checkpoints, err := l.store.Checkpoints(ctx)
	if err != nil {
		return Hash{}, false, fmt.Errorf("audit: listing checkpoints: %w", err)
	}
	for _, checkpoint := range checkpoints {
		if checkpoint.RangeEnd == seq-1 {
			return checkpoint.EndHash, true, nil
		}
	}
	return Hash{}, false, nil
}
