// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
)

// ReadHexKey reads a hex-encoded key of exactly size bytes from path.
// Surrounding whitespace is ignored. Every heap copy of the key is
// zeroed before returning.
func ReadHexKey(path string, size int) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	defer Zero(data)

	trimmed := bytes.TrimSpace(data)
	if hex.DecodedLen(len(trimmed)) != size {
		return nil, fmt.Errorf("key file %s holds %d hex characters, want %d", path, len(trimmed), size*2)
	}
	decoded := make([]byte, size)
	if _, err := hex.Decode(decoded, trimmed); err != nil {
		Zero(decoded)
		return nil, fmt.Errorf("decoding key file %s: %w", path, err)
	}
	return NewFromBytes(decoded)
}

// WriteHexKey writes key to path as hex with mode 0600. The file must
// not already exist.
func WriteHexKey(path string, key []byte) error {
	encoded := make([]byte, hex.EncodedLen(len(key)), hex.EncodedLen(len(key))+1)
	hex.Encode(encoded, key)
	encoded = append(encoded, '\n')
	defer Zero(encoded)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating key file: %w", err)
	}
	if _, err := file.Write(encoded); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("writing key file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("syncing key file: %w", err)
	}
	return file.Close()
}
