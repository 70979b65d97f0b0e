// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package cmdpool maintains pool<->command-buffer membership so that
// pool-level lifecycle events (reset, destroy) cascade to every command
// buffer allocated from that pool: a single mutex guarding a map of
// pool to its member command buffers, plus a reverse index for O(1)
// membership checks.
package cmdpool

import (
	"errors"
	"sync"

	"github.com/gogpu/gputap/internal/telemetrylog"
)

// ErrPoolNotTracked indicates AddCommandBuffers was called for a pool
// this Tracker instance has no membership set for — its queue family
// did not qualify for this tracker (reset-eligible or
// timestamp-eligible, depending on which instance is asked). The
// handles are silently ignored; this error only ever reaches a logged
// diagnostic (see AddCommandBuffers).
var ErrPoolNotTracked = errors.New("cmdpool: pool not tracked")

// Handle is an opaque host-API handle (command pool or command buffer).
type Handle uint64

// Tracker maintains which command buffers belong to which command pools.
// Two independent instances are expected to exist per the engine (one
// filtered to reset-eligible pools, one to timestamp-eligible pools); this
// type does not encode that distinction itself, it is just the mechanism.
type Tracker struct {
	mu      sync.Mutex
	pools   map[Handle]map[Handle]struct{} // pool -> set of command buffers
	buffers map[Handle]Handle              // command buffer -> owning pool
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		pools:   make(map[Handle]map[Handle]struct{}),
		buffers: make(map[Handle]Handle),
	}
}

// AddPool registers pool as tracked. A no-op if already tracked.
func (t *Tracker) AddPool(pool Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pools[pool]; !ok {
		t.pools[pool] = make(map[Handle]struct{})
	}
}

// RemovePool untracks pool and every command buffer currently associated
// with it.
func (t *Tracker) RemovePool(pool Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for cb := range t.pools[pool] {
		delete(t.buffers, cb)
	}
	delete(t.pools, pool)
}

// AddCommandBuffers associates handles with pool. If pool is not tracked,
// the handles are silently ignored (the pool's queue family did not
// qualify).
func (t *Tracker) AddCommandBuffers(pool Handle, handles []Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.pools[pool]
	if !ok {
		telemetrylog.Get().Debug("gputap: command buffers added to untracked pool",
			"error", ErrPoolNotTracked, "pool", pool, "count", len(handles))
		return
	}
	for _, h := range handles {
		set[h] = struct{}{}
		t.buffers[h] = pool
	}
}

// RemoveCommandBuffers disassociates handles from pool.
func (t *Tracker) RemoveCommandBuffers(pool Handle, handles []Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.pools[pool]
	if !ok {
		return
	}
	for _, h := range handles {
		delete(set, h)
		delete(t.buffers, h)
	}
}

// IsPoolTracked reports whether pool is tracked.
func (t *Tracker) IsPoolTracked(pool Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pools[pool]
	return ok
}

// IsCommandBufferTracked reports whether cb is currently associated with a
// tracked pool.
func (t *Tracker) IsCommandBufferTracked(cb Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.buffers[cb]
	return ok
}

// CommandBuffersIn returns a snapshot of the command buffers currently
// associated with pool. Returns nil if pool is not tracked.
func (t *Tracker) CommandBuffersIn(pool Handle) []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.pools[pool]
	if !ok {
		return nil
	}
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}
