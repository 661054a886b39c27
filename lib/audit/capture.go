// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"sync"
)

// Capture is a Recorder that keeps records in memory without hashing
// or storage. Component tests use it to assert on what was audited.
type Capture struct {
	mu      sync.Mutex
	records []Record
	err     error
}

// NewCapture returns an empty Capture.
func NewCapture() *Capture {
	return &Capture{}
}

// Append records the record, or returns the error set by Fail.
func (c *Capture) Append(_ context.Context, record Record) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return Entry{}, c.err
	}
	c.records = append(c.records, record)
	return Entry{
		Seq:      uint64(len(c.records)),
		Category: record.Category,
		Action:   record.Action,
		Details:  record.Details,
		Severity: record.Severity,
	}, nil
}

// Fail makes subsequent appends return err. A nil err restores them.
func (c *Capture) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Records returns a copy of everything appended.
func (c *Capture) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.records...)
}

// Actions returns the records with the given action, in order.
func (c *Capture) Actions(action string) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []Record
	for _, record := range c.records {
		if record.Action == action {
			matched = append(matched, record)
		}
	}
	return matched
}
