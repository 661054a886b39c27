// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bureau-foundation/warden/lib/atomicfile"
	"github.com/bureau-foundation/warden/lib/codec"
	"github.com/bureau-foundation/warden/lib/compress"
	"github.com/bureau-foundation/warden/lib/sealed"
	"github.com/bureau-foundation/warden/lib/secret"
)

const bundleSuffix = ".bundle"

// Outbox is an Archiver that writes each bundle as a sealed file in a
// directory for later upload. A bundle is CBOR, zstd-compressed, then
// age-encrypted to the backend's archive recipient, so the device
// cannot read back what it archived.
type Outbox struct {
	directory string
	recipient string
}

// NewOutbox returns an outbox writing to directory, which must exist.
func NewOutbox(directory, recipient string) (*Outbox, error) {
	if err := sealed.ParseRecipient(recipient); err != nil {
		return nil, fmt.Errorf("audit outbox: %w", err)
	}
	info, err := os.Stat(directory)
	if err != nil {
		return nil, fmt.Errorf("audit outbox: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("audit outbox: %s is not a directory", directory)
	}
	return &Outbox{directory: directory, recipient: recipient}, nil
}

// Archive seals bundle into the outbox. Rewriting the same range
// replaces the earlier file.
func (o *Outbox) Archive(_ context.Context, bundle Bundle) error {
	encoded, err := codec.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encoding bundle: %w", err)
	}
	packed, err := compress.Pack(encoded, compress.Zstd)
	if err != nil {
		return fmt.Errorf("compressing bundle: %w", err)
	}
	ciphertext, err := sealed.Encrypt(packed, o.recipient)
	if err != nil {
		return fmt.Errorf("sealing bundle: %w", err)
	}
	name := fmt.Sprintf("audit-%020d-%020d%s", bundle.Checkpoint.RangeStart, bundle.Checkpoint.RangeEnd, bundleSuffix)
	return atomicfile.WriteRetry(filepath.Join(o.directory, name), ciphertext, 0o600)
}

// Pending returns the names of bundles awaiting upload, oldest range
// first.
func (o *Outbox) Pending() ([]string, error) {
	entries, err := os.ReadDir(o.directory)
	if err != nil {
		return nil, fmt.Errorf("listing outbox: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), bundleSuffix) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the sealed bytes of a pending bundle.
func (o *Outbox) Read(name string) ([]byte, error) {
	return atomicfile.Read(filepath.Join(o.directory, filepath.Base(name)))
}

// Remove deletes a bundle after the backend has acknowledged it.
func (o *Outbox) Remove(name string) error {
	if err := os.Remove(filepath.Join(o.directory, filepath.Base(name))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s from outbox: %w", name, err)
	}
	return nil
}

// OpenBundle reverses Archive with the backend's archive identity.
func OpenBundle(ciphertext []byte, identity *secret.Buffer) (Bundle, error) {
	packed, err := sealed.Decrypt(ciphertext, identity)
	if err != nil {
		return Bundle{}, err
	}
	encoded, err := compress.Unpack(packed)
	if err != nil {
		return Bundle{}, fmt.Errorf("decompressing bundle: %w", err)
	}
	var bundle Bundle
	if err := codec.Unmarshal(encoded, &bundle); err != nil {
		return Bundle{}, fmt.Errorf("decoding bundle: %w", err)
	}
	return bundle, nil
}
