// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package frametime

import (
	"testing"

	"github.com/gogpu/gputap/internal/slot"
)

func TestPruneDropsRecycledSlots(t *testing.T) {
	slots := slot.New(4)
	id, _ := slots.Acquire() // QueryPendingOnGPU

	q := New()
	q.Push(id)
	q.Prune(slots)
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (slot still pending)", q.Len())
	}

	slots.Transition([]slot.ID{id}, slot.QueryReadbackReady)
	q.Prune(slots)
	if q.Len() != 0 {
		t.Fatal("Prune should drop a recycled (non-pending) slot")
	}
}

func TestPopIfHeadEqualsOnlyMatchingHead(t *testing.T) {
	slots := slot.New(4)
	idA, _ := slots.Acquire()
	idB, _ := slots.Acquire()

	q := New()
	q.Push(idA)
	q.Push(idB)

	if q.PopIfHeadEquals(idB) {
		t.Fatal("should not pop when id does not match head")
	}
	if !q.PopIfHeadEquals(idA) {
		t.Fatal("should pop when id matches head")
	}
	if q.Len() != 1 {
		t.Fatalf("Len after pop = %d, want 1", q.Len())
	}
}
