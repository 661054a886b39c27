// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"encoding/hex"
	"fmt"
	"maps"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/warden/lib/codec"
)

// Severity grades an entry.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Categories group actions by the component that records them.
const (
	CategoryCommand         = "COMMAND"
	CategoryInternalCommand = "INTERNAL_COMMAND"
	CategoryQueue           = "QUEUE"
	CategoryLock            = "LOCK"
	CategoryTamper          = "TAMPER"
	CategorySync            = "SYNC"
	CategoryStorage         = "STORAGE"
	CategoryAudit           = "AUDIT"
	CategoryDevice          = "DEVICE"
)

// ActionDataWipe is the final entry before the log is erased.
const ActionDataWipe = "DATA_WIPE"

// Record is what callers append.
type Record struct {
	Category string
	Action   string
	Details  map[string]string
	Severity Severity
}

// Recorder appends records. *Log implements it; components depend on
// this interface.
type Recorder interface {
	Append(ctx context.Context, record Record) (Entry, error)
}

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// String returns the hex encoding.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero genesis hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses a 64-character hex string.
func ParseHash(value string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return hash, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("parsing hash: got %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// Entry is a committed record.
type Entry struct {
	Seq       uint64
	Timestamp time.Time
	Category  string
	Action    string
	Details   map[string]string
	Severity  Severity

	PrevHash Hash
	SelfHash Hash
}

// Clone returns a copy whose Details can be mutated independently.
func (e Entry) Clone() Entry {
	e.Details = maps.Clone(e.Details)
	return e
}

// The domain keys are the ASCII domain names zero-padded to 32 bytes.
type domainKey [32]byte

var (
	entryDomainKey = domainKey{
		'w', 'a', 'r', 'd', 'e', 'n', '.', 'a', 'u', 'd', 'i', 't', '.',
		'e', 'n', 't', 'r', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	checkpointDomainKey = domainKey{
		'w', 'a', 'r', 'd', 'e', 'n', '.', 'a', 'u', 'd', 'i', 't', '.',
		'c', 'h', 'e', 'c', 'k', 'p', 'o', 'i', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// hashInput is the serialized form of an entry's content. The array
// encoding fixes field order.
type hashInput struct {
	_         struct{} `cbor:",toarray"`
	Seq       uint64
	Timestamp int64
	Category  string
	Action    string
	Details   map[string]string
	Severity  int
}

// computeHash returns H(prevHash ++ serialize(entry)).
func computeHash(entry Entry) (Hash, error) {
	details := entry.Details
	if len(details) == 0 {
		details = nil
	}
	payload, err := codec.Marshal(hashInput{
		Seq:       entry.Seq,
		Timestamp: entry.Timestamp.UnixNano(),
		Category:  entry.Category,
		Action:    entry.Action,
		Details:   details,
		Severity:  int(entry.Severity),
	})
	if err != nil {
		return Hash{}, fmt.Errorf("encoding entry %d: %w", entry.Seq, err)
	}

	hasher, err := blake3.NewKeyed(entryDomainKey[:])
	if err != nil {
		return Hash{}, fmt.Errorf("initializing entry hasher: %w", err)
	}
	hasher.Write(entry.PrevHash[:])
	hasher.Write(payload)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash, nil
}

// MerkleRoot computes a binary Merkle tree over hashes. An odd node at
// any level is promoted unhashed rather than duplicated. Panics on an
// empty list.
func MerkleRoot(hashes []Hash) Hash {
	if len(hashes) == 0 {
		panic("audit.MerkleRoot: empty hash list")
	}

	hasher, err := blake3.NewKeyed(checkpointDomainKey[:])
	if err != nil {
		panic("audit: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var combined [64]byte
	hashPair := func(left, right Hash) Hash {
		copy(combined[:32], left[:])
		copy(combined[32:], right[:])
		hasher.Reset()
		hasher.Write(combined[:])
		var result Hash
		copy(result[:], hasher.Sum(nil))
		return result
	}

	level := make([]Hash, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		next := make([]Hash, (len(level)+1)/2)
		for i := 0; i < len(level)-1; i += 2 {
			next[i/2] = hashPair(level[i], level[i+1])
		}
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}
		level = next
	}
	return level[0]
}
