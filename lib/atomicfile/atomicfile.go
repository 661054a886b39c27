// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// IOError reports a failed storage operation on one of the agent's
// state files.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Write atomically replaces path with data. The parent directory must
// exist.
func Write(path string, data []byte, perm os.FileMode) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return &IOError{Op: "create", Path: temporaryPath, Err: err}
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return &IOError{Op: "write", Path: temporaryPath, Err: err}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return &IOError{Op: "sync", Path: temporaryPath, Err: err}
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return &IOError{Op: "close", Path: temporaryPath, Err: err}
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return &IOError{Op: "rename", Path: path, Err: err}
	}

	// The rename is only durable once the directory entry is flushed.
	if directory, err := os.Open(filepath.Dir(path)); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}

// WriteRetry is Write with one immediate retry. The returned error is
// from the second attempt.
func WriteRetry(path string, data []byte, perm os.FileMode) error {
	if err := Write(path, data, perm); err == nil {
		return nil
	}
	return Write(path, data, perm)
}

// Read returns the contents of path. A missing file is reported with
// an error satisfying errors.Is(err, os.ErrNotExist).
func Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}
