// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package marker

import (
	"testing"

	"github.com/gogpu/gputap/internal/slot"
)

func TestNestedMarkersWithinCap(t *testing.T) {
	// cap=2, three nested markers: the innermost must be a placeholder.
	mgr := slot.New(16)
	s := NewStack(2)

	if _, ok := s.Begin("A", mgr); !ok {
		t.Fatal("A should get a real slot")
	}
	if _, ok := s.Begin("B", mgr); !ok {
		t.Fatal("B should get a real slot")
	}
	if _, ok := s.Begin("C", mgr); ok {
		t.Fatal("C exceeds cap and must be a placeholder")
	}

	if _, ok := s.End(); ok {
		t.Fatal("ending C (placeholder) should not emit")
	}
	if _, ok := s.End(); !ok {
		t.Fatal("ending B should emit")
	}
	if _, ok := s.End(); !ok {
		t.Fatal("ending A should emit")
	}

	closed := s.TakeClosed()
	if len(closed) != 2 {
		t.Fatalf("closed markers = %d, want 2", len(closed))
	}
	if closed[0].Label != "A" || closed[1].Label != "B" {
		t.Fatalf("unexpected closed order: %+v, want begin order [A B]", closed)
	}
}

func TestMarkerBalancePreservedAbovePlaceholderCap(t *testing.T) {
	mgr := slot.New(16)
	s := NewStack(0) // markers disabled entirely
	s.Begin("A", mgr)
	s.Begin("B", mgr)
	if s.Depth() != 2 {
		t.Fatalf("depth = %d, want 2 (placeholders still track depth)", s.Depth())
	}
	s.End()
	s.End()
	if s.Depth() != 0 {
		t.Fatalf("depth after matched ends = %d, want 0", s.Depth())
	}
}

func TestFlushOpenEmitsRemainingFrames(t *testing.T) {
	mgr := slot.New(16)
	s := NewStack(4)
	s.Begin("A", mgr)
	s.Begin("B", mgr)

	flushed := s.FlushOpen()
	if len(flushed) != 2 {
		t.Fatalf("flushed = %d, want 2", len(flushed))
	}
	if s.Depth() != 0 {
		t.Fatal("stack should be empty after FlushOpen")
	}
	if len(s.TakeClosed()) != 2 {
		t.Fatal("flushed frames with real slots should be in the closed log")
	}
}

func TestResetRollsBackHeldSlots(t *testing.T) {
	mgr := slot.New(2)
	s := NewStack(4)
	idA, _ := s.Begin("A", mgr)
	s.End()
	idB, _ := s.Begin("B", mgr) // stays open

	if mgr.FreeSlots() != 0 {
		t.Fatalf("FreeSlots before reset = %d, want 0", mgr.FreeSlots())
	}

	s.Reset(mgr)

	if got := mgr.CurrentState(idA); got != slot.ReadyForQueryIssue {
		t.Errorf("closed slot A state = %v, want ReadyForQueryIssue", got)
	}
	if got := mgr.CurrentState(idB); got != slot.ReadyForQueryIssue {
		t.Errorf("open slot B state = %v, want ReadyForQueryIssue", got)
	}
	if s.Depth() != 0 || len(s.TakeClosed()) != 0 {
		t.Fatal("stack should be fully discarded after Reset")
	}
}
