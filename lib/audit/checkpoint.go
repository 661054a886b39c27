// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/bureau-foundation/warden/lib/codec"
)

// Checkpoint is a signed summary of the entry range
// [RangeStart, RangeEnd].
type Checkpoint struct {
	RangeStart uint64
	RangeEnd   uint64

	// RootHash is the Merkle root of the SelfHashes in the range.
	RootHash Hash
	// EndHash is the SelfHash of entry RangeEnd, which the first entry
	// after the range links to.
	EndHash Hash

	CreatedAt time.Time
	Signature []byte

	// Archived is set once an Archiver has accepted the checkpoint and
	// its entries. It is local bookkeeping and not signed.
	Archived bool
}

// CheckpointSigner signs checkpoints with the device key.
type CheckpointSigner interface {
	Sign(message []byte) []byte
	PublicKey() ed25519.PublicKey
}

// Bundle is what an Archiver receives.
type Bundle struct {
	Checkpoint Checkpoint
	Entries    []Entry
}

// Archiver takes custody of a checkpoint and its entries before they
// become eligible for eviction.
type Archiver interface {
	Archive(ctx context.Context, bundle Bundle) error
}

type checkpointPayload struct {
	_          struct{} `cbor:",toarray"`
	Domain     string
	RangeStart uint64
	RangeEnd   uint64
	RootHash   []byte
	EndHash    []byte
	CreatedAt  int64
}

// SigningPayload returns the bytes covered by Signature.
func (c Checkpoint) SigningPayload() ([]byte, error) {
	payload, err := codec.Marshal(checkpointPayload{
		Domain:     "warden.audit.checkpoint.v1",
		RangeStart: c.RangeStart,
		RangeEnd:   c.RangeEnd,
		RootHash:   c.RootHash[:],
		EndHash:    c.EndHash[:],
		CreatedAt:  c.CreatedAt.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint %d-%d: %w", c.RangeStart, c.RangeEnd, err)
	}
	return payload, nil
}

// VerifyCheckpoint checks the signature on checkpoint and, when
// entries are given, that they are exactly the range it summarizes.
func VerifyCheckpoint(checkpoint Checkpoint, publicKey ed25519.PublicKey, entries []Entry) error {
	payload, err := checkpoint.SigningPayload()
	if err != nil {
		return err
	}
	if !ed25519.Verify(publicKey, payload, checkpoint.Signature) {
		return fmt.Errorf("checkpoint %d-%d: signature does not verify", checkpoint.RangeStart, checkpoint.RangeEnd)
	}
	if entries == nil {
		return nil
	}

	want := int(checkpoint.RangeEnd - checkpoint.RangeStart + 1)
	if len(entries) != want {
		return fmt.Errorf("checkpoint %d-%d: got %d entries, want %d",
			checkpoint.RangeStart, checkpoint.RangeEnd, len(entries), want)
	}
	hashes := make([]Hash, len(entries))
	for i, entry := range entries {
		if entry.Seq != checkpoint.RangeStart+uint64(i) {
			return fmt.Errorf("checkpoint %d-%d: entry %d out of sequence", checkpoint.RangeStart, checkpoint.RangeEnd, entry.Seq)
		}
		if i > 0 && entry.PrevHash != entries[i-1].SelfHash {
			return fmt.Errorf("checkpoint %d-%d: entry %d does not link to its predecessor", checkpoint.RangeStart, checkpoint.RangeEnd, entry.Seq)
		}
		computed, err := computeHash(entry)
		if err != nil {
			return err
		}
		if computed != entry.SelfHash {
			return fmt.Errorf("checkpoint %d-%d: entry %d hash mismatch", checkpoint.RangeStart, checkpoint.RangeEnd, entry.Seq)
		}
		hashes[i] = entry.SelfHash
	}
	if MerkleRoot(hashes) != checkpoint.RootHash {
		return fmt.Errorf("checkpoint %d-%d: root hash mismatch", checkpoint.RangeStart, checkpoint.RangeEnd)
	}
	if entries[len(entries)-1].SelfHash != checkpoint.EndHash {
		return fmt.Errorf("checkpoint %d-%d: end hash mismatch", checkpoint.RangeStart, checkpoint.RangeEnd)
	}
	return nil
}
