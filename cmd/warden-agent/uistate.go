// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/warden/lib/atomicfile"
	"github.com/bureau-foundation/warden/lib/lockstate"
)

// uiStateWriter publishes the latest lock-state event as JSON for the
// lock-screen overlay, which watches the file. Degraded is set when
// either the lock state or the command queue cannot be saved.
type uiStateWriter struct {
	path   string
	logger *slog.Logger

	mu            sync.Mutex
	last          lockstate.Event
	queueDegraded bool
}

func newUIStateWriter(path string, logger *slog.Logger) *uiStateWriter {
	return &uiStateWriter{path: path, logger: logger}
}

func (w *uiStateWriter) LockStateChanged(event lockstate.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = event
	w.writeLocked()
}

// QueueDegraded is the queue's OnDegraded callback.
func (w *uiStateWriter) QueueDegraded(degraded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.queueDegraded == degraded {
		return
	}
	w.queueDegraded = degraded
	w.writeLocked()
}

func (w *uiStateWriter) writeLocked() {
	event := w.last
	event.Degraded = event.Degraded || w.queueDegraded
	data, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		w.logger.Error("encoding ui state", "error", err)
		return
	}
	data = append(data, '\n')
	// Readable by the unprivileged overlay process.
	if err := atomicfile.WriteRetry(w.path, data, 0o644); err != nil {
		w.logger.Error("writing ui state", "path", w.path, "error", err)
	}
}
