// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lockstate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/bureau-foundation/warden/lib/atomicfile"
	"github.com/bureau-foundation/warden/lib/audit"
	"github.com/bureau-foundation/warden/lib/codec"
	"github.com/bureau-foundation/warden/lib/command"
	"github.com/bureau-foundation/warden/lib/devicekey"
)

const snapshotVersion = 1

type snapshot struct {
	Version   int       `cbor:"version"`
	State     int       `cbor:"state"`
	Records   []Record  `cbor:"records"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

// persistLocked writes the records. The first failure after a
// successful write marks the controller degraded with a CRITICAL audit
// entry; the next success clears it.
func (c *Controller) persistLocked(ctx context.Context) error {
	if c.path == "" {
		return nil
	}
	err := c.write(snapshot{
		Version:   snapshotVersion,
		State:     int(c.state),
		Records:   c.records,
		UpdatedAt: c.clock.Now(),
	})
	if err != nil {
		c.persistPending = true
		if !c.degraded {
			c.degraded = true
			c.record(ctx, audit.Record{
				Category: audit.CategoryStorage,
				Action:   "LOCK_STATE_PERSIST_FAILED",
				Details:  map[string]string{"path": c.path, "error": err.Error()},
				Severity: audit.SeverityCritical,
			})
		}
		c.logger.Error("persisting lock state failed",
			"path", c.path,
			"error", err,
		)
		return &PersistError{Path: c.path, Err: err}
	}
	c.persistPending = false
	if c.degraded {
		c.degraded = false
		c.logger.Info("lock state persisted after earlier failure", "path", c.path)
	}
	return nil
}

func (c *Controller) write(state snapshot) error {
	encoded, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding lock state: %w", err)
	}
	sealed, err := c.sealer.Seal(devicekey.PurposeLockState, encoded)
	if err != nil {
		return fmt.Errorf("sealing lock state: %w", err)
	}
	return atomicfile.WriteRetry(c.path, sealed, 0o600)
}

// load reads the snapshot. A missing file is an unlocked device. An
// unreadable one fails secure: the file is moved aside and a Hard lock
// is installed.
func (c *Controller) load(ctx context.Context) {
	records, err := readRecords(c.path, c.sealer)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err == nil {
		c.records = records
		c.logger.Info("lock state loaded",
			"path", c.path,
			"records", len(records),
			"lock_state", Derive(records, c.clock.Now()).String(),
		)
		return
	}

	now := c.clock.Now()
	movedTo := fmt.Sprintf("%s.corrupt-%d", c.path, now.Unix())
	if renameErr := os.Rename(c.path, movedTo); renameErr != nil {
		c.logger.Error("moving corrupt lock state aside failed",
			"path", c.path,
			"error", renameErr,
		)
		movedTo = ""
	}
	c.records = []Record{c.newRecord(command.LockHard, "lock state unreadable", "", SourceInternal, "")}
	c.state = Hard
	c.logger.Error("lock state unreadable; failing secure to Hard",
		"path", c.path,
		"moved_to", movedTo,
		"error", err,
	)
	c.record(ctx, audit.Record{
		Category: audit.CategoryStorage,
		Action:   "LOCK_STATE_CORRUPTED",
		Details: map[string]string{
			"path":     c.path,
			"moved_to": movedTo,
			"error":    err.Error(),
			"fallback": Hard.String(),
		},
		Severity: audit.SeverityCritical,
	})
	c.persistLocked(ctx)
}

// ReadFile decodes a lock state file without opening a Controller, for
// offline inspection. Records expired at now are kept in the view; the
// derived state ignores them.
func ReadFile(path string, sealer Sealer, now time.Time) (*View, error) {
	records, err := readRecords(path, sealer)
	if err != nil {
		return nil, err
	}
	return &View{State: Derive(records, now), Records: records}, nil
}

func readRecords(path string, sealer Sealer) ([]Record, error) {
	sealed, err := atomicfile.Read(path)
	if err != nil {
		return nil, err
	}
	encoded, err := sealer.Open(devicekey.PurposeLockState, sealed)
	if err != nil {
		return nil, err
	}
	var state snapshot
	if err := codec.Unmarshal(encoded, &state); err != nil {
		return nil, fmt.Errorf("decoding lock state: %w", err)
	}
	if state.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported lock state version %d", state.Version)
	}
	for _, record := range state.Records {
		if FromLockType(record.LockType) == Unlocked {
			return nil, fmt.Errorf("lock record %s has invalid lock type %d", record.ID, record.LockType)
		}
	}
	return state.Records, nil
}
