// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keygen

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/warden/lib/devicekey"
	"github.com/bureau-foundation/warden/lib/sealed"
	"github.com/bureau-foundation/warden/lib/secret"
)

func TestGenerate(t *testing.T) {
	directory := t.TempDir()
	masterPath := filepath.Join(directory, "master.key")
	publicPath := filepath.Join(directory, "checkpoint.pub")
	identityPath := filepath.Join(directory, "archive.key")

	result, err := Generate(masterPath, publicPath, identityPath)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	master, err := secret.ReadHexKey(masterPath, devicekey.KeySize)
	if err != nil {
		t.Fatalf("ReadHexKey: %v", err)
	}
	keys, err := devicekey.NewKeySet(master)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	defer keys.Close()
	signer, err := keys.CheckpointSigner()
	if err != nil {
		t.Fatalf("CheckpointSigner: %v", err)
	}
	defer signer.Close()
	if want := hex.EncodeToString(signer.PublicKey()); result.CheckpointPublicKey != want {
		t.Errorf("CheckpointPublicKey = %s, want the key derived from the written master key (%s)", result.CheckpointPublicKey, want)
	}

	written, err := os.ReadFile(publicPath)
	if err != nil {
		t.Fatalf("reading public key: %v", err)
	}
	if strings.TrimSpace(string(written)) != result.CheckpointPublicKey {
		t.Errorf("public key file = %q", written)
	}

	info, err := os.Stat(identityPath)
	if err != nil {
		t.Fatalf("stat identity: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("identity mode = %v, want 0600", info.Mode().Perm())
	}
	identityBytes, err := os.ReadFile(identityPath)
	if err != nil {
		t.Fatal(err)
	}
	identity, err := secret.NewFromBytes(bytes.TrimSpace(identityBytes))
	if err != nil {
		t.Fatal(err)
	}
	defer identity.Close()
	ciphertext, err := sealed.Encrypt([]byte("bundle"), result.ArchiveRecipient)
	if err != nil {
		t.Fatalf("Encrypt to printed recipient: %v", err)
	}
	plaintext, err := sealed.Decrypt(ciphertext, identity)
	if err != nil || string(plaintext) != "bundle" {
		t.Errorf("Decrypt = %q, %v", plaintext, err)
	}
}

func TestGenerateRefusesOverwrite(t *testing.T) {
	directory := t.TempDir()
	masterPath := filepath.Join(directory, "master.key")
	if err := os.WriteFile(masterPath, []byte("existing\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Generate(masterPath, "", ""); err == nil {
		t.Fatal("Generate overwrote an existing master key")
	}
	data, _ := os.ReadFile(masterPath)
	if string(data) != "existing\n" {
		t.Errorf("master key file changed to %q", data)
	}

	identityPath := filepath.Join(directory, "archive.key")
	os.WriteFile(identityPath, nil, 0o600)
	fresh := filepath.Join(directory, "fresh.key")
	if _, err := Generate(fresh, "", identityPath); err == nil {
		t.Fatal("Generate overwrote an existing archive identity")
	}
	if _, err := os.Stat(fresh); err == nil {
		t.Error("master key written although the run was refused")
	}
}

func TestGenerateWithoutOptionalOutputs(t *testing.T) {
	masterPath := filepath.Join(t.TempDir(), "master.key")
	result, err := Generate(masterPath, "", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.ArchiveRecipient != "" || result.ArchiveIdentityFile != "" {
		t.Errorf("Result = %+v, want no archive identity", result)
	}
	if len(result.CheckpointPublicKey) != 64 {
		t.Errorf("CheckpointPublicKey = %q, want 32 bytes of hex", result.CheckpointPublicKey)
	}
}
