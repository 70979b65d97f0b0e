// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package slot owns the fixed-size query-slot array and its five-state
// lifecycle machine, the pivot of the whole engine. Mechanically it is
// a free-list allocator (mutex, cursor, bulk state array) with a
// non-blocking recycle discipline: nothing here ever blocks waiting for
// a slot.
package slot

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gogpu/gputap/internal/telemetrylog"
)

// ErrPoolExhausted indicates Acquire completed a full circular scan
// without finding a slot in ReadyForQueryIssue. Never fatal: the caller
// degrades to no-tracking for that recording or marker, and no packet
// is ever emitted for the missing range. Surfaced only as a logged
// diagnostic (see Acquire), never returned to a caller.
var ErrPoolExhausted = errors.New("slot: pool exhausted")

// ID identifies a slot. None is the sentinel for "no slot bound".
type ID uint32

// None is the zero-value-free sentinel for "no slot".
const None ID = ^ID(0)

// State is one node of the five-state slot lifecycle ring.
type State uint8

const (
	ReadyForQueryIssue State = iota
	QueryPendingOnGPU
	QueryReadbackReady
	ReadyForResetIssue
	ResetPendingOnGPU

	numStates
)

func (s State) String() string {
	switch s {
	case ReadyForQueryIssue:
		return "ReadyForQueryIssue"
	case QueryPendingOnGPU:
		return "QueryPendingOnGPU"
	case QueryReadbackReady:
		return "QueryReadbackReady"
	case ReadyForResetIssue:
		return "ReadyForResetIssue"
	case ResetPendingOnGPU:
		return "ResetPendingOnGPU"
	default:
		return "Unknown"
	}
}

// expectedPriorForTransition implies the required prior state for each
// forward transition target.
var expectedPriorForTransition = map[State]State{
	QueryPendingOnGPU:  ReadyForQueryIssue,
	QueryReadbackReady: QueryPendingOnGPU,
	ReadyForResetIssue: QueryReadbackReady,
	ResetPendingOnGPU:  ReadyForResetIssue,
	ReadyForQueryIssue: ResetPendingOnGPU,
}

// expectedPriorForRollback implies the required prior state for each of
// the two legal rollback targets.
var expectedPriorForRollback = map[State]State{
	ReadyForQueryIssue: QueryPendingOnGPU,
	ReadyForResetIssue: ResetPendingOnGPU,
}

// Metrics receives diagnostic counter updates from Manager. Implemented by
// internal/diagnostics; wiring it is optional (with no Metrics installed,
// or after SetMetrics(nil), Manager simply skips reporting).
type Metrics interface {
	SetFreeSlots(n int)
	SetActiveSlots(n int)
}

// Manager owns the fixed slot array and its state machine. Slot state
// is the only resource shared across every component of the engine, and
// all mutation of it goes through this one mutex.
type Manager struct {
	mu            sync.Mutex
	states        []State
	nextFreeIndex uint32
	freeSlots     int
	activeSlots   int

	// strict, when true, panics on an out-of-order transition instead of
	// logging and forcing it. Debug builds of the engine should enable
	// this; it defaults to false (release behavior: force and log).
	strict bool

	metrics Metrics
}

// New creates a Manager with n slots, all initially ReadyForQueryIssue.
func New(n int) *Manager {
	m := &Manager{
		states:    make([]State, n),
		freeSlots: n,
	}
	return m
}

// SetStrict toggles whether out-of-order transitions panic (debug) or are
// forced through with a logged warning (release).
func (m *Manager) SetStrict(strict bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strict = strict
}

// SetMetrics installs a diagnostics sink. Pass nil to disable reporting.
func (m *Manager) SetMetrics(metrics Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// Len returns the slot pool size.
func (m *Manager) Len() int {
	return len(m.states)
}

// Acquire scans circularly from the cursor for the first slot in
// ReadyForQueryIssue. On a hit it transitions the slot to
// QueryPendingOnGPU, advances the cursor past it, and returns the slot.
// On a full scan with no hit it returns (None, false) — slot exhaustion is
// never fatal; callers degrade to no-tracking for that recording/marker.
func (m *Manager) Acquire() (ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := uint32(len(m.states))
	if n == 0 {
		return None, false
	}
	for i := uint32(0); i < n; i++ {
		idx := (m.nextFreeIndex + i) % n
		if m.states[idx] == ReadyForQueryIssue {
			m.states[idx] = QueryPendingOnGPU
			m.nextFreeIndex = (idx + 1) % n
			m.freeSlots--
			m.activeSlots++
			m.reportLocked()
			return ID(idx), true
		}
	}
	telemetrylog.Get().Debug("gputap: slot pool exhausted", "error", ErrPoolExhausted, "pool_size", n)
	return None, false
}

// Transition bulk-transitions slots to newState. The expected prior state
// is implied by newState (see expectedPriorForTransition). An out-of-order
// transition is a programmer error: in strict mode it panics, otherwise it
// is logged and the slot is forced to newState anyway.
func (m *Manager) Transition(slots []ID, newState State) {
	if len(slots) == 0 {
		return
	}
	expected, ok := expectedPriorForTransition[newState]
	if !ok {
		panic("slot: invalid transition target")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range slots {
		m.applyLocked(s, expected, newState)
	}
	m.reportLocked()
}

// Rollback reverts slots abandoned mid-recording to their pre-recording
// state. Two legal forms exist:
// QueryPendingOnGPU -> ReadyForQueryIssue (the recording was abandoned
// before any submit reached the GPU) and
// ResetPendingOnGPU -> ReadyForResetIssue (the reset command buffer
// itself was never submitted).
func (m *Manager) Rollback(slots []ID, rollbackState State) {
	if len(slots) == 0 {
		return
	}
	expected, ok := expectedPriorForRollback[rollbackState]
	if !ok {
		panic("slot: invalid rollback target")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range slots {
		m.applyLocked(s, expected, rollbackState)
	}
	m.reportLocked()
}

func (m *Manager) applyLocked(s ID, expected, target State) {
	if int(s) < 0 || int(s) >= len(m.states) {
		return
	}
	idx := int(s)
	prior := m.states[idx]
	if prior != expected {
		if m.strict {
			panic("slot: out-of-order transition")
		}
		telemetrylog.Get().Warn("gputap: out-of-order slot transition forced",
			slog.Int("slot", idx), slog.String("expected", expected.String()),
			slog.String("actual", prior.String()), slog.String("target", target.String()))
	}
	m.adjustCountersLocked(prior, target)
	m.states[idx] = target
}

func (m *Manager) adjustCountersLocked(prior, target State) {
	priorFree := prior == ReadyForQueryIssue
	targetFree := target == ReadyForQueryIssue
	switch {
	case priorFree && !targetFree:
		m.freeSlots--
		m.activeSlots++
	case !priorFree && targetFree:
		m.freeSlots++
		m.activeSlots--
	}
}

func (m *Manager) reportLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetFreeSlots(m.freeSlots)
	m.metrics.SetActiveSlots(m.activeSlots)
}

// CurrentState is an advisory read of slot's current state: racy with
// concurrent transitions, but sufficient for "has this slot been
// recycled?" checks such as FrametimeBridge's pruning pass.
func (m *Manager) CurrentState(s ID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(s) < 0 || int(s) >= len(m.states) {
		return ReadyForQueryIssue
	}
	return m.states[s]
}

// FreeSlots returns the current free-slot diagnostic counter.
func (m *Manager) FreeSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeSlots
}

// ActiveSlots returns the current active-slot diagnostic counter.
func (m *Manager) ActiveSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeSlots
}
