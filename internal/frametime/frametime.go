// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package frametime correlates a present with the last submit on its
// queue through a FIFO of slots. The queue is advisory: it is pruned by
// checking current slot state so a recycled slot never produces a
// spurious frametime, and it may miss frametimes when slots recycle
// before the completion pass reaches them.
package frametime

import (
	"sync"

	"github.com/gogpu/gputap/internal/slot"
)

// Queue is the FrametimeQueue: a FIFO of slot IDs, each the last tracked
// outer slot of a submit immediately preceding a present.
type Queue struct {
	mu    sync.Mutex
	items []slot.ID
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Push appends id to the back of the queue. Called by FrametimeBridge
// when a present observes a final tracked slot for its queue.
func (q *Queue) Push(id slot.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, id)
}

// Prune pops entries from the front while their slot's current state is
// not QueryPendingOnGPU — they have already been recycled by an earlier
// completion pass and must never be reported as a frametime.
func (q *Queue) Prune(slots *slot.Manager) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := 0
	for i < len(q.items) && slots.CurrentState(q.items[i]) != slot.QueryPendingOnGPU {
		i++
	}
	q.items = q.items[i:]
}

// PopIfHeadEquals pops and returns the front entry, reporting true, only
// if it equals id. Used when a submit completes: if the head of the
// queue is this submit's last slot, it is popped and (if its end
// timestamp is valid) transmitted as a frametime.
func (q *Queue) PopIfHeadEquals(id slot.ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0] != id {
		return false
	}
	q.items = q.items[1:]
	return true
}

// Len returns the current queue length, for diagnostics and tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Bridge is a thin correlation layer over submit.Tracker's
// final-slot-per-queue bookkeeping and this package's Queue.
type Bridge struct {
	Queue *Queue
}

// NewBridge creates a Bridge with a fresh FrametimeQueue.
func NewBridge() *Bridge {
	return &Bridge{Queue: New()}
}

// OnPresent records a present's correlated final slot, if any, onto the
// FrametimeQueue. Called after submit.Tracker.QueuePresent reports
// (final, hasFinal).
func (b *Bridge) OnPresent(final slot.ID, hasFinal bool) {
	if hasFinal {
		b.Queue.Push(final)
	}
}
