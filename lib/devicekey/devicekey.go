// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package devicekey

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/warden/lib/secret"
)

// KeySize is the length of the master key and every derived key.
const KeySize = 32

// BlobVersion is the first byte of every sealed blob.
const BlobVersion byte = 0x01

// BlobOverhead is the size added to a plaintext by Seal.
const BlobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Purpose names what a derived key protects. The string is both the
// HKDF info parameter and part of the AEAD associated data; changing
// one invalidates every file sealed under it.
type Purpose string

const (
	PurposeQueue      Purpose = "warden.queue.v1"
	PurposeLockState  Purpose = "warden.lockstate.v1"
	purposeCheckpoint Purpose = "warden.audit.checkpoint.v1"
)

// ErrAuthentication is wrapped by Open when a blob does not
// authenticate: wrong key, wrong purpose, or modified bytes.
var ErrAuthentication = errors.New("sealed blob failed authentication")

// KeySet owns the master key.
type KeySet struct {
	master *secret.Buffer
}

// NewKeySet takes ownership of master, which must be KeySize bytes.
func NewKeySet(master *secret.Buffer) (*KeySet, error) {
	if master.Len() != KeySize {
		return nil, fmt.Errorf("device master key must be %d bytes, got %d", KeySize, master.Len())
	}
	return &KeySet{master: master}, nil
}

// GenerateMasterKey returns fresh random key material for enrollment.
func GenerateMasterKey() (*secret.Buffer, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("generating device master key: %w", err)
	}
	return secret.NewFromBytes(raw)
}

// Close zeroes the master key.
func (k *KeySet) Close() error {
	return k.master.Close()
}

// Seal encrypts plaintext under the key for purpose.
func (k *KeySet) Seal(purpose Purpose, plaintext []byte) ([]byte, error) {
	key, err := k.derive(purpose)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	output := make([]byte, 1+chacha20poly1305.NonceSizeX, BlobOverhead+len(plaintext))
	output[0] = BlobVersion
	nonce := output[1 : 1+chacha20poly1305.NonceSizeX]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(output, nonce, plaintext, associatedData(BlobVersion, purpose)), nil
}

// Open authenticates and decrypts a blob produced by Seal for the same
// purpose.
func (k *KeySet) Open(purpose Purpose, blob []byte) ([]byte, error) {
	if len(blob) < BlobOverhead {
		return nil, fmt.Errorf("%w: blob is %d bytes, minimum is %d", ErrAuthentication, len(blob), BlobOverhead)
	}
	if blob[0] != BlobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrAuthentication, blob[0])
	}

	key, err := k.derive(purpose)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], associatedData(blob[0], purpose))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

// CheckpointSigner returns the device's audit checkpoint signer. The
// key pair is deterministic for a given master key, so the backend
// only needs the public key once.
func (k *KeySet) CheckpointSigner() (*Signer, error) {
	seed, err := k.derive(purposeCheckpoint)
	if err != nil {
		return nil, err
	}
	privateKey := ed25519.NewKeyFromSeed(seed.Bytes())
	publicKey := privateKey.Public().(ed25519.PublicKey)
	secret.Zero(privateKey)
	return &Signer{seed: seed, publicKey: publicKey}, nil
}

func (k *KeySet) derive(purpose Purpose) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, k.master.Bytes(), nil, []byte(purpose))
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("deriving %s key: %w", purpose, err)
	}
	return secret.NewFromBytes(derived)
}

func associatedData(version byte, purpose Purpose) []byte {
	data := make([]byte, 1+len(purpose))
	data[0] = version
	copy(data[1:], purpose)
	return data
}

// Signer signs audit checkpoints with the device's ed25519 key.
type Signer struct {
	seed      *secret.Buffer
	publicKey ed25519.PublicKey
}

// Sign returns the ed25519 signature of message.
func (s *Signer) Sign(message []byte) []byte {
	privateKey := ed25519.NewKeyFromSeed(s.seed.Bytes())
	defer secret.Zero(privateKey)
	return ed25519.Sign(privateKey, message)
}

// PublicKey returns the verification key to register with the backend.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.publicKey
}

// Close zeroes the signing seed.
func (s *Signer) Close() error {
	return s.seed.Close()
}
