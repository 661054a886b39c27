// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"sort"
	"sync"
)

// Bounds describes the retained entries. First and Last are zero when
// the store is empty.
type Bounds struct {
	First uint64
	Last  uint64
	Count int
}

// Store persists entries and checkpoints. Implementations are used by
// a single Log and need not order concurrent writers.
type Store interface {
	// Append commits entry durably before returning.
	Append(ctx context.Context, entry Entry) error

	// Range returns retained entries with from <= Seq <= to, ascending.
	Range(ctx context.Context, from, to uint64) ([]Entry, error)

	Bounds(ctx context.Context) (Bounds, error)

	// Evict deletes entries with Seq <= through.
	Evict(ctx context.Context, through uint64) error

	// PutCheckpoint inserts or replaces the checkpoint starting at
	// checkpoint.RangeStart.
	PutCheckpoint(ctx context.Context, checkpoint Checkpoint) error

	// Checkpoints returns every checkpoint ordered by RangeStart.
	Checkpoints(ctx context.Context) ([]Checkpoint, error)

	// Wipe erases all entries and checkpoints. Only Log.Wipe calls it.
	Wipe(ctx context.Context) error

	Close() error
}

// MemoryStore is an in-process Store for tests and for tooling that
// verifies exported bundles.
type MemoryStore struct {
	mu          sync.Mutex
	entries     []Entry
	checkpoints map[uint64]Checkpoint
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[uint64]Checkpoint)}
}

func (s *MemoryStore) Append(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry.Clone())
	return nil
}

func (s *MemoryStore) Range(_ context.Context, from, to uint64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []Entry
	for _, entry := range s.entries {
		if entry.Seq >= from && entry.Seq <= to {
			result = append(result, entry.Clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) Bounds(context.Context) (Bounds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Bounds{}, nil
	}
	return Bounds{
		First: s.entries[0].Seq,
		Last:  s.entries[len(s.entries)-1].Seq,
		Count: len(s.entries),
	}, nil
}

func (s *MemoryStore) Evict(_ context.Context, through uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, entry := range s.entries {
		if entry.Seq > through {
			kept = append(kept, entry)
		}
	}
	s.entries = kept
	return nil
}

func (s *MemoryStore) PutCheckpoint(_ context.Context, checkpoint Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpoint.RangeStart] = checkpoint
	return nil
}

func (s *MemoryStore) Checkpoints(context.Context) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Checkpoint, 0, len(s.checkpoints))
	for _, checkpoint := range s.checkpoints {
		result = append(result, checkpoint)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RangeStart < result[j].RangeStart })
	return result, nil
}

func (s *MemoryStore) Wipe(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.checkpoints = make(map[uint64]Checkpoint)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
