// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package recording

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/gogpu/gputap/internal/cmdpool"
	"github.com/gogpu/gputap/internal/slot"
	"github.com/gogpu/gputap/internal/telemetrylog"
)

func TestBeginEndOuterSlotLifecycle(t *testing.T) {
	slots := slot.New(16)
	resetQ := NewResetQueue()
	tr := New()
	cb := cmdpool.Handle(1)

	br := tr.Begin(cb, false, true, resetQ, slots, 4)
	if br.OuterSlot == slot.None {
		t.Fatal("expected an outer slot to be acquired")
	}
	if got := slots.CurrentState(br.OuterSlot); got != slot.QueryPendingOnGPU {
		t.Fatalf("outer slot state = %v, want QueryPendingOnGPU", got)
	}

	er := tr.End(cb)
	if er.OuterSlot != br.OuterSlot {
		t.Fatalf("End outer slot = %v, want %v", er.OuterSlot, br.OuterSlot)
	}

	snap := tr.Move(cb)
	if !snap.Tracked || snap.OuterSlot != br.OuterSlot {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if tr.IsTracked(cb) {
		t.Fatal("cb should no longer be tracked after Move (moved, not copied)")
	}
}

func TestResetNeededElectsExactlyOneClaimer(t *testing.T) {
	slots := slot.New(16)
	resetQ := NewResetQueue()

	var pending []slot.ID
	for i := 0; i < 4; i++ {
		id, _ := slots.Acquire()
		pending = append(pending, id)
	}
	resetQ.Enqueue(pending)

	const workers = 8
	var wg sync.WaitGroup
	claims := make(chan []slot.ID, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claims <- resetQ.Claim()
		}()
	}
	wg.Wait()
	close(claims)

	winners := 0
	var claimed []slot.ID
	for c := range claims {
		if len(c) > 0 {
			winners++
			claimed = c
		}
	}
	if winners != 1 {
		t.Fatalf("exactly one goroutine should claim the batch, got %d", winners)
	}
	if len(claimed) != len(pending) {
		t.Fatalf("claimed %d slots, want %d", len(claimed), len(pending))
	}
}

func TestBeginClaimsResetBatch(t *testing.T) {
	slots := slot.New(16)
	resetQ := NewResetQueue()
	tr := New()

	id, _ := slots.Acquire()
	slots.Transition([]slot.ID{id}, slot.QueryReadbackReady)
	slots.Transition([]slot.ID{id}, slot.ReadyForResetIssue)
	resetQ.Enqueue([]slot.ID{id})

	cb := cmdpool.Handle(1)
	br := tr.Begin(cb, true, false, resetQ, slots, 0)
	if len(br.ResetSlots) != 1 || br.ResetSlots[0] != id {
		t.Fatalf("Begin should have claimed the pending reset batch, got %v", br.ResetSlots)
	}
	if got := slots.CurrentState(id); got != slot.ResetPendingOnGPU {
		t.Fatalf("claimed slot state = %v, want ResetPendingOnGPU", got)
	}

	// A second, concurrent-looking begin on another cb must not re-claim.
	cb2 := cmdpool.Handle(2)
	br2 := tr.Begin(cb2, true, false, resetQ, slots, 0)
	if len(br2.ResetSlots) != 0 {
		t.Fatalf("second Begin should not re-claim an already-claimed batch, got %v", br2.ResetSlots)
	}
}

func TestResetRollsBackAndIsIdempotent(t *testing.T) {
	slots := slot.New(16)
	resetQ := NewResetQueue()
	tr := New()
	cb := cmdpool.Handle(1)

	tr.Begin(cb, false, true, resetQ, slots, 4)
	tr.BeginMarker(cb, "A", slots)

	tr.Reset(cb, resetQ, slots)
	if tr.IsTracked(cb) {
		t.Fatal("cb should be untracked after Reset")
	}
	if got := slots.ActiveSlots(); got != 0 {
		t.Fatalf("ActiveSlots after reset = %d, want 0 (all rolled back)", got)
	}

	// Idempotent: resetting an already-untracked handle is a no-op.
	tr.Reset(cb, resetQ, slots)
}

func TestOuterSlotRollbackGuardedWhenNoneBound(t *testing.T) {
	// Pool not timestamp-eligible: no outer slot is ever acquired.
	// Reset must not attempt to roll back slot.None.
	slots := slot.New(1)
	resetQ := NewResetQueue()
	tr := New()
	cb := cmdpool.Handle(1)

	tr.Begin(cb, false, false, resetQ, slots, 4)
	tr.Reset(cb, resetQ, slots) // must not panic or corrupt state
	if slots.FreeSlots() != 1 {
		t.Fatalf("FreeSlots = %d, want 1 (untouched)", slots.FreeSlots())
	}
}

func TestMarkerOpOnUntrackedCommandBufferLogsErrCommandBufferNotTracked(t *testing.T) {
	var buf bytes.Buffer
	telemetrylog.Set(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer telemetrylog.Set(nil)

	slots := slot.New(4)
	tr := New()

	if _, ok := tr.BeginMarker(cmdpool.Handle(1), "A", slots); ok {
		t.Fatal("BeginMarker on an untracked command buffer must not emit")
	}
	if _, ok := tr.EndMarker(cmdpool.Handle(1)); ok {
		t.Fatal("EndMarker on an untracked command buffer must not emit")
	}
	if !strings.Contains(buf.String(), ErrCommandBufferNotTracked.Error()) {
		t.Fatalf("expected log to mention %q, got: %s", ErrCommandBufferNotTracked, buf.String())
	}
}

func TestTimestampPairIndices(t *testing.T) {
	a, b := TimestampPairIndices(slot.ID(5))
	if a != 10 || b != 11 {
		t.Fatalf("TimestampPairIndices(5) = (%d, %d), want (10, 11)", a, b)
	}
}
