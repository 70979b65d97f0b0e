// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package recording tracks command buffers while they record: it binds
// query slots to command buffers and to pending GPU-side resets, and
// hands that state off to a submit (or rolls it back on abandonment).
package recording

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputap/internal/cmdpool"
	"github.com/gogpu/gputap/internal/marker"
	"github.com/gogpu/gputap/internal/slot"
	"github.com/gogpu/gputap/internal/telemetrylog"
)

// ErrCommandBufferNotTracked indicates a marker operation referenced a
// command-buffer handle Tracker has no recording state for — either its
// pool was never eligible for timestamp tracking, or its state was
// already moved into a submit or rolled back by a reset. The caller
// degrades to a no-op; this error only ever reaches a logged
// diagnostic (see BeginMarker, EndMarker).
var ErrCommandBufferNotTracked = errors.New("recording: command buffer not tracked")

// TimestampPairIndices returns the two physical timestamp-query indices
// backing id: the even/odd pair at 2*id and 2*id+1.
func TimestampPairIndices(id slot.ID) (first, second uint32) {
	return uint32(id) * 2, uint32(id)*2 + 1
}

// ResetQueue is the shared pending-reset list plus the "reset needed" CAS
// flag that elects exactly one concurrent BeginCommandBuffer call to
// encode a given batch of resets. CompletionEngine enqueues slots that
// have finished readback and are ready for a GPU-side reset; Tracker.Begin
// claims them.
type ResetQueue struct {
	mu      sync.Mutex
	pending []slot.ID
	needed  atomic.Bool
}

// NewResetQueue creates an empty ResetQueue.
func NewResetQueue() *ResetQueue {
	return &ResetQueue{}
}

// Enqueue appends slots to the pending-reset list and arms the
// reset-needed flag. Safe for concurrent use.
func (q *ResetQueue) Enqueue(slots []slot.ID) {
	if len(slots) == 0 {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, slots...)
	q.mu.Unlock()
	q.needed.Store(true)
}

// Claim atomically elects the caller as the sole encoder of the currently
// pending batch: it compare-and-swaps the reset-needed flag from true to
// false, and only the caller that wins the swap drains the pending list.
// Concurrent losers get nil. This guarantees exactly one command buffer
// adopts a given batch of resets, no matter how many threads race
// through BeginCommandBuffer on reset-eligible pools.
func (q *ResetQueue) Claim() []slot.ID {
	if !q.needed.CompareAndSwap(true, false) {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	claimed := q.pending
	q.pending = nil
	return claimed
}

// Tracker binds query slots to command buffers during recording. It holds
// three independent locks — outer-slot map, reset-slots map, marker-stack
// map — so that the hot record path never contends a lock shared with an
// unrelated concern.
type Tracker struct {
	muOuter sync.Mutex
	outer   map[cmdpool.Handle]slot.ID

	muReset sync.Mutex
	resets  map[cmdpool.Handle][]slot.ID

	muMarker sync.Mutex
	markers  map[cmdpool.Handle]*marker.Stack
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		outer:   make(map[cmdpool.Handle]slot.ID),
		resets:  make(map[cmdpool.Handle][]slot.ID),
		markers: make(map[cmdpool.Handle]*marker.Stack),
	}
}

// BeginResult reports what the caller's hook glue must emit as a
// consequence of BeginCommandBuffer — this package never issues GPU
// commands itself.
type BeginResult struct {
	// ResetSlots, if non-empty, is the batch this command buffer was
	// elected to encode resets for: the caller must emit a reset of each
	// slot's two timestamp indices (and, if statistics are enabled, its
	// one statistics index) before any other query command.
	ResetSlots []slot.ID
	// OuterSlot is the slot acquired for the whole-command-buffer range,
	// or slot.None if none was acquired (pool not timestamp-eligible, or
	// the pool was exhausted).
	OuterSlot slot.ID
}

// Begin handles the beginCommandBuffer hook: claim any pending reset
// batch (if cb's pool may submit resets), then acquire the outer-range
// slot (if cb's pool may record timestamps). resetEligible and
// timestampEligible reflect which of the two pool trackers cb belongs
// to. maxMarkerDepth is snapshotted into this recording's marker stack
// for its entire lifetime.
func (t *Tracker) Begin(cb cmdpool.Handle, resetEligible, timestampEligible bool, resetQ *ResetQueue, slots *slot.Manager, maxMarkerDepth uint32) BeginResult {
	var result BeginResult
	result.OuterSlot = slot.None

	if resetEligible {
		if claimed := resetQ.Claim(); len(claimed) > 0 {
			slots.Transition(claimed, slot.ResetPendingOnGPU)
			t.muReset.Lock()
			t.resets[cb] = claimed
			t.muReset.Unlock()
			result.ResetSlots = claimed
		}
	}

	if timestampEligible {
		if id, ok := slots.Acquire(); ok {
			t.muOuter.Lock()
			t.outer[cb] = id
			t.muOuter.Unlock()
			result.OuterSlot = id
		}
	}

	t.muMarker.Lock()
	t.markers[cb] = marker.NewStack(maxMarkerDepth)
	t.muMarker.Unlock()

	return result
}

// EndResult reports what the caller's hook glue must emit as a
// consequence of EndCommandBuffer.
type EndResult struct {
	// FlushedMarkerSlots are marker frames that were still open at
	// end-of-recording; the caller must emit their end timestamps before
	// the outer range's end timestamp.
	FlushedMarkerSlots []slot.ID
	// OuterSlot is the slot whose end timestamp (and, if enabled, end
	// statistics query) the caller must now emit, or slot.None if no
	// outer slot was bound.
	OuterSlot slot.ID
}

// End handles the endCommandBuffer hook: flush the marker stack, then
// report the outer slot if bound.
func (t *Tracker) End(cb cmdpool.Handle) EndResult {
	var result EndResult
	result.OuterSlot = slot.None

	t.muMarker.Lock()
	st := t.markers[cb]
	t.muMarker.Unlock()
	if st != nil {
		result.FlushedMarkerSlots = st.FlushOpen()
	}

	t.muOuter.Lock()
	if id, ok := t.outer[cb]; ok {
		result.OuterSlot = id
	}
	t.muOuter.Unlock()

	return result
}

// Snapshot is the state a TrackedSubmit adopts from a command buffer at
// submit time.
type Snapshot struct {
	Tracked     bool
	OuterSlot   slot.ID
	ResetSlots  []slot.ID
	ClosedMarks []marker.Range
}

// Move removes cb's recorded state from the tracker and returns it for
// SubmitTracker to fold into a TrackedSubmit. This must be a move, not a
// copy: the entries are deleted so a subsequent resubmission of the same
// handle (after a fresh Begin/End) is not double-attributed.
func (t *Tracker) Move(cb cmdpool.Handle) Snapshot {
	var snap Snapshot

	t.muOuter.Lock()
	if id, ok := t.outer[cb]; ok {
		snap.OuterSlot = id
		snap.Tracked = true
		delete(t.outer, cb)
	} else {
		snap.OuterSlot = slot.None
	}
	t.muOuter.Unlock()

	t.muReset.Lock()
	if r, ok := t.resets[cb]; ok {
		snap.ResetSlots = r
		snap.Tracked = true
		delete(t.resets, cb)
	}
	t.muReset.Unlock()

	t.muMarker.Lock()
	if st, ok := t.markers[cb]; ok {
		closed := st.TakeClosed()
		if len(closed) > 0 {
			snap.ClosedMarks = closed
			snap.Tracked = true
		}
		delete(t.markers, cb)
	}
	t.muMarker.Unlock()

	return snap
}

// Reset implements the rollback path for resetCommandBuffer and cascaded
// resets from pool reset/destroy/free: reset-slots are rolled back to
// ReadyForResetIssue and re-enqueued, the outer slot is rolled back to
// ReadyForQueryIssue only if one was actually bound (Begin may have
// found the pool exhausted), marker slots are rolled back via the
// marker stack, and all of cb's state is discarded. Calling Reset on an
// already untracked handle is a no-op.
func (t *Tracker) Reset(cb cmdpool.Handle, resetQ *ResetQueue, slots *slot.Manager) {
	t.muReset.Lock()
	resets, hasResets := t.resets[cb]
	delete(t.resets, cb)
	t.muReset.Unlock()
	if hasResets && len(resets) > 0 {
		slots.Rollback(resets, slot.ReadyForResetIssue)
		resetQ.Enqueue(resets)
	}

	t.muOuter.Lock()
	outer, hasOuter := t.outer[cb]
	delete(t.outer, cb)
	t.muOuter.Unlock()
	if hasOuter && outer != slot.None {
		slots.Rollback([]slot.ID{outer}, slot.ReadyForQueryIssue)
	}

	t.muMarker.Lock()
	st := t.markers[cb]
	delete(t.markers, cb)
	t.muMarker.Unlock()
	if st != nil {
		st.Reset(slots)
	}
}

// IsTracked reports whether cb currently has any recorded state.
func (t *Tracker) IsTracked(cb cmdpool.Handle) bool {
	t.muOuter.Lock()
	_, hasOuter := t.outer[cb]
	t.muOuter.Unlock()
	if hasOuter {
		return true
	}
	t.muMarker.Lock()
	_, hasMarker := t.markers[cb]
	t.muMarker.Unlock()
	return hasMarker
}

// BeginMarker delegates to cb's marker stack, if any.
func (t *Tracker) BeginMarker(cb cmdpool.Handle, label string, slots *slot.Manager) (slot.ID, bool) {
	t.muMarker.Lock()
	st := t.markers[cb]
	t.muMarker.Unlock()
	if st == nil {
		telemetrylog.Get().Debug("gputap: marker begin on untracked command buffer",
			"error", ErrCommandBufferNotTracked, "label", label)
		return slot.None, false
	}
	return st.Begin(label, slots)
}

// EndMarker delegates to cb's marker stack, if any.
func (t *Tracker) EndMarker(cb cmdpool.Handle) (slot.ID, bool) {
	t.muMarker.Lock()
	st := t.markers[cb]
	t.muMarker.Unlock()
	if st == nil {
		telemetrylog.Get().Debug("gputap: marker end on untracked command buffer",
			"error", ErrCommandBufferNotTracked)
		return slot.None, false
	}
	return st.End()
}
