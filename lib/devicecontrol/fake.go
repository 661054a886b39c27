// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package devicecontrol

import (
	"context"
	"sync"

	"github.com/bureau-foundation/warden/lib/command"
)

// FakeCall is one recorded FakePort invocation.
type FakeCall struct {
	Operation Operation
	LockType  command.LockType
	URL       string
	Checksum  string
}

// FakePort records calls and returns configured errors. Safe for
// concurrent use.
type FakePort struct {
	mu       sync.Mutex
	calls    []FakeCall
	failures map[Operation]error
	block    map[Operation]chan struct{}
}

// NewFakePort returns a FakePort where every call succeeds.
func NewFakePort() *FakePort {
	return &FakePort{
		failures: make(map[Operation]error),
		block:    make(map[Operation]chan struct{}),
	}
}

// SetError makes op fail with err until cleared with a nil err.
func (p *FakePort) SetError(op Operation, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, op)
		return
	}
	p.failures[op] = err
}

// Block makes op wait until the returned function is called or the
// call's context ends.
func (p *FakePort) Block(op Operation) (release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gate := make(chan struct{})
	p.block[op] = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.block, op)
			p.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns a copy of every recorded call.
func (p *FakePort) Calls() []FakeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]FakeCall(nil), p.calls...)
}

// Count returns how many times op was called. An empty op counts all
// calls.
func (p *FakePort) Count(op Operation) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if op == "" {
		return len(p.calls)
	}
	count := 0
	for _, call := range p.calls {
		if call.Operation == op {
			count++
		}
	}
	return count
}

func (p *FakePort) invoke(ctx context.Context, call FakeCall) error {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	err := p.failures[call.Operation]
	gate := p.block[call.Operation]
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (p *FakePort) ApplyLock(ctx context.Context, lockType command.LockType) error {
	return p.invoke(ctx, FakeCall{Operation: OpApplyLock, LockType: lockType})
}

func (p *FakePort) ApplyUnlock(ctx context.Context) error {
	return p.invoke(ctx, FakeCall{Operation: OpApplyUnlock})
}

func (p *FakePort) Wipe(ctx context.Context) error {
	return p.invoke(ctx, FakeCall{Operation: OpWipe})
}

func (p *FakePort) Reboot(ctx context.Context) error {
	return p.invoke(ctx, FakeCall{Operation: OpReboot})
}

func (p *FakePort) InstallUpdate(ctx context.Context, url, checksum string) error {
	return p.invoke(ctx, FakeCall{Operation: OpInstallUpdate, URL: url, Checksum: checksum})
}
