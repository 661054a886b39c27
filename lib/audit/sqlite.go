// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/warden/lib/codec"
	"github.com/bureau-foundation/warden/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	seq        INTEGER PRIMARY KEY,
	timestamp  INTEGER NOT NULL,
	category   TEXT    NOT NULL,
	action     TEXT    NOT NULL,
	details    BLOB,
	severity   INTEGER NOT NULL,
	prev_hash  BLOB    NOT NULL,
	self_hash  BLOB    NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	range_start INTEGER PRIMARY KEY,
	range_end   INTEGER NOT NULL,
	root_hash   BLOB    NOT NULL,
	end_hash    BLOB    NOT NULL,
	created_at  INTEGER NOT NULL,
	signature   BLOB    NOT NULL,
	archived    INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore is the on-device Store. Entries are committed with
// synchronous=FULL.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

// OpenSQLiteStore opens or creates the audit database at path.
func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:    path,
		Durable: true,
		Logger:  logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}
	return &SQLiteStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, entry Entry) (err error) {
	var details []byte
	if len(entry.Details) > 0 {
		details, err = codec.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("encoding details: %w", err)
		}
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, `
		INSERT INTO entries (seq, timestamp, category, action, details, severity, prev_hash, self_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				int64(entry.Seq),
				entry.Timestamp.UnixNano(),
				entry.Category,
				entry.Action,
				details,
				int64(entry.Severity),
				entry.PrevHash[:],
				entry.SelfHash[:],
			},
		})
}

func (s *SQLiteStore) Range(ctx context.Context, from, to uint64) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	// SQLite integers are signed; clamp the open upper bound.
	upper := int64(to)
	if to > uint64(1<<63-1) {
		upper = 1<<63 - 1
	}

	var entries []Entry
	err = sqlitex.Execute(conn, `
		SELECT seq, timestamp, category, action, details, severity, prev_hash, self_hash
		FROM entries WHERE seq >= ? AND seq <= ? ORDER BY seq`,
		&sqlitex.ExecOptions{
			Args: []any{int64(from), upper},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry, err := scanEntry(stmt)
				if err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func scanEntry(stmt *sqlite.Stmt) (Entry, error) {
	entry := Entry{
		Seq:       uint64(stmt.ColumnInt64(0)),
		Timestamp: time.Unix(0, stmt.ColumnInt64(1)),
		Category:  stmt.ColumnText(2),
		Action:    stmt.ColumnText(3),
		Severity:  Severity(stmt.ColumnInt64(5)),
	}
	if length := stmt.ColumnLen(4); length > 0 {
		raw := make([]byte, length)
		stmt.ColumnBytes(4, raw)
		if err := codec.Unmarshal(raw, &entry.Details); err != nil {
			return Entry{}, fmt.Errorf("decoding details of entry %d: %w", entry.Seq, err)
		}
	}
	stmt.ColumnBytes(6, entry.PrevHash[:])
	stmt.ColumnBytes(7, entry.SelfHash[:])
	return entry, nil
}

func (s *SQLiteStore) Bounds(ctx context.Context) (Bounds, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Bounds{}, err
	}
	defer s.pool.Put(conn)

	var bounds Bounds
	err = sqlitex.Execute(conn,
		"SELECT coalesce(min(seq), 0), coalesce(max(seq), 0), count(*) FROM entries",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				bounds.First = uint64(stmt.ColumnInt64(0))
				bounds.Last = uint64(stmt.ColumnInt64(1))
				bounds.Count = stmt.ColumnInt(2)
				return nil
			},
		})
	return bounds, err
}

func (s *SQLiteStore) Evict(ctx context.Context, through uint64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, "DELETE FROM entries WHERE seq <= ?",
		&sqlitex.ExecOptions{Args: []any{int64(through)}})
}

func (s *SQLiteStore) PutCheckpoint(ctx context.Context, checkpoint Checkpoint) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	archived := 0
	if checkpoint.Archived {
		archived = 1
	}
	return sqlitex.Execute(conn, `
		INSERT OR REPLACE INTO checkpoints
			(range_start, range_end, root_hash, end_hash, created_at, signature, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				int64(checkpoint.RangeStart),
				int64(checkpoint.RangeEnd),
				checkpoint.RootHash[:],
				checkpoint.EndHash[:],
				checkpoint.CreatedAt.UnixNano(),
				checkpoint.Signature,
				archived,
			},
		})
}

func (s *SQLiteStore) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var checkpoints []Checkpoint
	err = sqlitex.Execute(conn, `
		SELECT range_start, range_end, root_hash, end_hash, created_at, signature, archived
		FROM checkpoints ORDER BY range_start`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				checkpoint := Checkpoint{
					RangeStart: uint64(stmt.ColumnInt64(0)),
					RangeEnd:   uint64(stmt.ColumnInt64(1)),
					CreatedAt:  time.Unix(0, stmt.ColumnInt64(4)),
					Signature:  make([]byte, stmt.ColumnLen(5)),
					Archived:   stmt.ColumnInt(6) != 0,
				}
				stmt.ColumnBytes(2, checkpoint.RootHash[:])
				stmt.ColumnBytes(3, checkpoint.EndHash[:])
				stmt.ColumnBytes(5, checkpoint.Signature)
				checkpoints = append(checkpoints, checkpoint)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return checkpoints, nil
}

// Wipe deletes every row in one transaction.
func (s *SQLiteStore) Wipe(ctx context.Context) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("audit store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return sqlitex.ExecuteScript(conn, "DELETE FROM entries; DELETE FROM checkpoints;", nil)
}
