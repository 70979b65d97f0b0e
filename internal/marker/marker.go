// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package marker implements the per-command-buffer stack of nested
// debug-marker ranges mapped onto query slots.
//
// This package never issues GPU commands itself: Begin/End return
// whether the caller should emit a timestamp and for which slot,
// leaving the actual write to the caller's hook glue.
package marker

import "github.com/gogpu/gputap/internal/slot"

// Range is one labeled marker range: a bounded label paired with the slot
// backing its timestamps, or slot.None if it is a depth-only placeholder
// retained to keep begin/end matching above the configured depth cap.
type Range struct {
	Label string
	Slot  slot.ID
}

// HasSlot reports whether r carries a real slot (not a placeholder).
func (r Range) HasSlot() bool { return r.Slot != slot.None }

// maxLabelBytes caps a marker label, matching the wire format's
// single-byte labelLength field.
const maxLabelBytes = 255

// Stack is the marker bookkeeping for a single command buffer's
// recording: every begun marker (real or placeholder) is appended to
// entries in begin order; openIdx is the nesting stack of indices into
// entries still awaiting their endMarker. Keeping entries in begin
// order (rather than end/pop order) means a submit's markers list reads
// outermost-to-innermost, the order a human reading a nested
// debug-marker trace expects.
//
// maxDepth is snapshotted at construction rather than read live, so a
// cap narrowed mid-recording cannot unbalance begin/end counts within
// one command buffer.
type Stack struct {
	maxDepth uint32
	entries  []Range
	openIdx  []int
}

// NewStack creates a Stack with maxDepth snapshotted from the engine's
// current setting. maxDepth == 0 disables marker timestamps entirely;
// stack bookkeeping (begin/end balance) still occurs.
func NewStack(maxDepth uint32) *Stack {
	return &Stack{maxDepth: maxDepth}
}

func truncateLabel(label string) string {
	if len(label) > maxLabelBytes {
		return label[:maxLabelBytes]
	}
	return label
}

// Begin pushes a new marker frame. If the stack's depth is below maxDepth
// and mgr has a free slot, the frame gets a real slot and Begin reports
// shouldEmit=true with that slot so the caller can write the start
// timestamp. Otherwise a placeholder frame is pushed (depth still
// tracked) and shouldEmit is false.
func (s *Stack) Begin(label string, mgr *slot.Manager) (id slot.ID, shouldEmit bool) {
	label = truncateLabel(label)
	idx := len(s.entries)

	if uint32(len(s.openIdx)) >= s.maxDepth {
		s.entries = append(s.entries, Range{Label: label, Slot: slot.None})
		s.openIdx = append(s.openIdx, idx)
		return slot.None, false
	}
	acquired, ok := mgr.Acquire()
	if !ok {
		s.entries = append(s.entries, Range{Label: label, Slot: slot.None})
		s.openIdx = append(s.openIdx, idx)
		return slot.None, false
	}
	s.entries = append(s.entries, Range{Label: label, Slot: acquired})
	s.openIdx = append(s.openIdx, idx)
	return acquired, true
}

// End pops the innermost still-open frame. If it carries a real slot, End
// reports shouldEmit=true with that slot so the caller writes the end
// timestamp. Otherwise End is a pure stack-depth operation. The frame
// itself stays put in entries at its begin-order position.
func (s *Stack) End() (id slot.ID, shouldEmit bool) {
	n := len(s.openIdx)
	if n == 0 {
		return slot.None, false
	}
	idx := s.openIdx[n-1]
	s.openIdx = s.openIdx[:n-1]
	frame := s.entries[idx]
	if !frame.HasSlot() {
		return slot.None, false
	}
	return frame.Slot, true
}

// FlushOpen pops every remaining open frame (as at command-buffer end,
// before the outer range's end timestamp is written), returning the
// slots of those that carried a real slot so the caller can emit their
// end timestamps, in pop (innermost-first) order — the order the actual
// GPU end-timestamp commands must be recorded in.
func (s *Stack) FlushOpen() []slot.ID {
	var flushed []slot.ID
	for len(s.openIdx) > 0 {
		if id, ok := s.End(); ok {
			flushed = append(flushed, id)
		}
	}
	return flushed
}

// Closed returns every fully-closed marker (placeholders excluded) in
// begin order, outermost first. Call only once every open frame has
// been ended (via End or FlushOpen); entries still open are not
// included.
func (s *Stack) Closed() []Range {
	open := make(map[int]bool, len(s.openIdx))
	for _, idx := range s.openIdx {
		open[idx] = true
	}
	var closed []Range
	for idx, e := range s.entries {
		if !open[idx] && e.HasSlot() {
			closed = append(closed, e)
		}
	}
	return closed
}

// TakeClosed returns the closed-marker log (see Closed) and clears the
// stack's state. Called when a command buffer's recording is moved into
// a TrackedSubmit.
func (s *Stack) TakeClosed() []Range {
	out := s.Closed()
	s.entries = nil
	s.openIdx = nil
	return out
}

// Reset rolls back every real slot still held by the stack — both open
// frames and markers already closed but not yet handed off to a submit —
// via mgr, and discards all stack state. Called when a command buffer's
// recording is abandoned (reset / pool reset / pool destroy / free).
func (s *Stack) Reset(mgr *slot.Manager) {
	var held []slot.ID
	for _, e := range s.entries {
		if e.HasSlot() {
			held = append(held, e.Slot)
		}
	}
	if len(held) > 0 {
		mgr.Rollback(held, slot.ReadyForQueryIssue)
	}
	s.entries = nil
	s.openIdx = nil
}

// Depth returns the current open-stack depth.
func (s *Stack) Depth() int {
	return len(s.openIdx)
}
