// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package submit keeps per-queue ordered lists of captured submits,
// each carrying the slots, resets, and markers snapshotted out of the
// recording tracker at submit time.
package submit

import (
	"sync"

	"github.com/gogpu/gputap/internal/cmdpool"
	"github.com/gogpu/gputap/internal/marker"
	"github.com/gogpu/gputap/internal/recording"
	"github.com/gogpu/gputap/internal/slot"
)

// QueueHandle is an opaque host-API queue handle.
type QueueHandle uint64

// TrackedSubmit is a snapshot of one submit (or, for present-only
// entries, a synthetic wall-clock sentinel).
type TrackedSubmit struct {
	Queue         QueueHandle
	IsPresentOnly bool
	WallMicros    uint64
	CBOuterSlots  []slot.ID
	Markers       []marker.Range
	ResetSlots    []slot.ID
}

// Tracker holds one insertion-ordered submit list per queue, plus the
// last tracked outer slot per queue that the frametime bridge needs.
// The single lock is what guarantees list order matches host-submit
// order within a queue.
type Tracker struct {
	mu                sync.Mutex
	lists             map[QueueHandle][]*TrackedSubmit
	finalSlotPerQueue map[QueueHandle]slot.ID
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		lists:             make(map[QueueHandle][]*TrackedSubmit),
		finalSlotPerQueue: make(map[QueueHandle]slot.ID),
	}
}

// QueueSubmit captures one submit. For each command buffer in cbs (in
// submit order), it moves that command buffer's recorded state out of
// rec and folds it into a freshly created TrackedSubmit, which is
// appended to queue's list. wallMicros is sampled by the caller at the
// moment of the host submit call.
func (t *Tracker) QueueSubmit(queue QueueHandle, cbs []cmdpool.Handle, wallMicros uint64, rec *recording.Tracker) *TrackedSubmit {
	ts := &TrackedSubmit{Queue: queue, WallMicros: wallMicros}

	for _, cb := range cbs {
		snap := rec.Move(cb)
		if !snap.Tracked {
			continue
		}
		if snap.OuterSlot != slot.None {
			ts.CBOuterSlots = append(ts.CBOuterSlots, snap.OuterSlot)
		}
		ts.ResetSlots = append(ts.ResetSlots, snap.ResetSlots...)
		ts.Markers = append(ts.Markers, snap.ClosedMarks...)
	}

	t.mu.Lock()
	t.lists[queue] = append(t.lists[queue], ts)
	if n := len(ts.CBOuterSlots); n > 0 {
		t.finalSlotPerQueue[queue] = ts.CBOuterSlots[n-1]
	}
	t.mu.Unlock()

	return ts
}

// QueuePresent appends a synthetic present-only TrackedSubmit with a
// fresh wall-clock stamp, and reports the queue's last tracked outer
// slot (if any) for the frametime bridge to push onto its queue.
func (t *Tracker) QueuePresent(queue QueueHandle, wallMicros uint64) (final slot.ID, hasFinal bool) {
	ts := &TrackedSubmit{Queue: queue, IsPresentOnly: true, WallMicros: wallMicros}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lists[queue] = append(t.lists[queue], ts)
	final, hasFinal = t.finalSlotPerQueue[queue]
	return final, hasFinal
}

// PeekHead returns the head TrackedSubmit of queue's list without
// removing it, for CompletionEngine's non-blocking poll.
func (t *Tracker) PeekHead(queue QueueHandle) (*TrackedSubmit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.lists[queue]
	if len(l) == 0 {
		return nil, false
	}
	return l[0], true
}

// PopHead removes and returns the head TrackedSubmit of queue's list,
// called once CompletionEngine has determined it is complete.
func (t *Tracker) PopHead(queue QueueHandle) (*TrackedSubmit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.lists[queue]
	if len(l) == 0 {
		return nil, false
	}
	head := l[0]
	t.lists[queue] = l[1:]
	return head, true
}

// Queues returns a snapshot of every queue handle with a non-empty
// submit list, for CompletionEngine to iterate each present.
func (t *Tracker) Queues() []QueueHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]QueueHandle, 0, len(t.lists))
	for q, l := range t.lists {
		if len(l) > 0 {
			out = append(out, q)
		}
	}
	return out
}
