// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	backend, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer backend.Close()

	bundle := []byte("checkpoint 1-1000 entries")
	ciphertext, err := Encrypt(bundle, backend.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(ciphertext, bundle) {
		t.Fatal("ciphertext contains the plaintext")
	}

	plaintext, err := Decrypt(ciphertext, backend.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, bundle) {
		t.Errorf("Decrypt = %q, want %q", plaintext, bundle)
	}
}

func TestDecryptWithWrongIdentityFails(t *testing.T) {
	backend, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer backend.Close()
	intruder, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer intruder.Close()

	ciphertext, err := Encrypt([]byte("bundle"), backend.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(ciphertext, intruder.PrivateKey); err == nil {
		t.Fatal("Decrypt succeeded with the wrong identity")
	}
}

func TestEncryptValidatesRecipients(t *testing.T) {
	if _, err := Encrypt([]byte("bundle")); err == nil {
		t.Error("Encrypt with no recipients succeeded")
	}
	if _, err := Encrypt([]byte("bundle"), "age1notakey"); err == nil {
		t.Error("Encrypt with a malformed recipient succeeded")
	}
	if err := ParseRecipient("ssh-ed25519 AAAA"); err == nil {
		t.Error("ParseRecipient accepted a non-age key")
	}
}
