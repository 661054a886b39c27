// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package devicekey

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/bureau-foundation/warden/lib/secret"
)

func newTestKeySet(t *testing.T, fill byte) *KeySet {
	t.Helper()
	master, err := secret.NewFromBytes(bytes.Repeat([]byte{fill}, KeySize))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	keys, err := NewKeySet(master)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	t.Cleanup(func() { keys.Close() })
	return keys
}

func TestSealOpenRoundTrip(t *testing.T) {
	keys := newTestKeySet(t, 0x11)
	plaintext := []byte("pending commands")

	blob, err := keys.Seal(PurposeQueue, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(blob) != len(plaintext)+BlobOverhead {
		t.Errorf("blob length = %d, want %d", len(blob), len(plaintext)+BlobOverhead)
	}
	opened, err := keys.Open(PurposeQueue, blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open = %q, want %q", opened, plaintext)
	}
}

func TestOpenRejects(t *testing.T) {
	keys := newTestKeySet(t, 0x11)
	other := newTestKeySet(t, 0x22)

	blob, err := keys.Seal(PurposeQueue, []byte("pending commands"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	flipped := append([]byte(nil), blob...)
	flipped[len(flipped)-1] ^= 0x01

	tests := []struct {
		name    string
		keys    *KeySet
		purpose Purpose
		blob    []byte
	}{
		{"flipped byte", keys, PurposeQueue, flipped},
		{"wrong purpose", keys, PurposeLockState, blob},
		{"wrong device", other, PurposeQueue, blob},
		{"truncated", keys, PurposeQueue, blob[:BlobOverhead-1]},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := test.keys.Open(test.purpose, test.blob)
			if !errors.Is(err, ErrAuthentication) {
				t.Fatalf("Open error = %v, want ErrAuthentication", err)
			}
		})
	}
}

func TestCheckpointSignerIsDeterministic(t *testing.T) {
	first, err := newTestKeySet(t, 0x33).CheckpointSigner()
	if err != nil {
		t.Fatalf("CheckpointSigner: %v", err)
	}
	defer first.Close()
	second, err := newTestKeySet(t, 0x33).CheckpointSigner()
	if err != nil {
		t.Fatalf("CheckpointSigner: %v", err)
	}
	defer second.Close()

	if !first.PublicKey().Equal(second.PublicKey()) {
		t.Fatal("same master key produced different checkpoint keys")
	}
	message := []byte("range 1-1000")
	if !ed25519.Verify(second.PublicKey(), message, first.Sign(message)) {
		t.Fatal("signature does not verify under the derived public key")
	}
}
