// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package completion polls the terminal slot of each pending submit,
// and on success drains the submit and routes its readbacks to the
// packet writer. The poll is a non-blocking scan that stops at the
// first not-yet-ready entry of each queue rather than blocking.
package completion

import (
	"errors"
	"sync"

	"github.com/gogpu/gputap/internal/frametime"
	"github.com/gogpu/gputap/internal/packetio"
	"github.com/gogpu/gputap/internal/recording"
	"github.com/gogpu/gputap/internal/slot"
	"github.com/gogpu/gputap/internal/submit"
	"github.com/gogpu/gputap/internal/telemetrylog"
)

// ErrQueryNotReady indicates a non-blocking readback of a submit's
// terminal slot reported the result was not yet available. Not an
// error condition in the usual sense: the submit simply stays queued
// and is retried on the next completion pass. Surfaced only as a
// logged diagnostic (see isComplete).
var ErrQueryNotReady = errors.New("completion: query result not ready")

// QueryReader performs the non-blocking GPU readbacks the completion
// engine needs. Implemented by the host-API hook glue that owns the
// real query pools; a reader backed by a fake clock is enough to
// exercise this package in tests.
type QueryReader interface {
	// ReadTimestamps attempts a non-blocking read of both timestamps
	// backing id. ok=false means "not yet available".
	ReadTimestamps(id slot.ID) (t0, t1 uint64, ok bool)
	// ReadStatistics attempts a non-blocking read of the 11
	// pipeline-statistics counters backing id.
	ReadStatistics(id slot.ID) (stats [packetio.NumStatistics]uint64, ok bool)
}

// FrametimeSink receives the live per-present frametime stream.
type FrametimeSink interface {
	SendFrametime(timestampNanos uint64)
	DecrementCaptureFrames()
}

// Metrics receives CompletionEngine diagnostic counter updates.
type Metrics interface {
	AddSubmitsCompleted(n int)
}

// QueueIndexRegistry assigns a dense global index to each queue the
// first time it is observed, backing the wire format's
// globalQueueIndex field and gating one-QueueInfo-per-queue emission.
type QueueIndexRegistry struct {
	mu      sync.Mutex
	indices map[submit.QueueHandle]uint32
	next    uint32
}

// NewQueueIndexRegistry creates an empty registry.
func NewQueueIndexRegistry() *QueueIndexRegistry {
	return &QueueIndexRegistry{indices: make(map[submit.QueueHandle]uint32)}
}

// IndexOf returns queue's global index, assigning a fresh one (and
// reporting firstSeen=true) if this is the first time queue is observed.
func (r *QueueIndexRegistry) IndexOf(queue submit.QueueHandle) (idx uint32, firstSeen bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.indices[queue]; ok {
		return idx, false
	}
	idx = r.next
	r.indices[queue] = idx
	r.next++
	return idx, true
}

// Engine drains completed submits. It is safe to invoke synchronously
// at present time (the baseline behavior) or to route through
// internal/workerthread.
type Engine struct {
	submits *submit.Tracker
	slots   *slot.Manager
	resetQ  *recording.ResetQueue
	bridge  *frametime.Bridge
	writer  *packetio.Writer
	queues  *QueueIndexRegistry

	StatisticsEnabled bool

	Frametimes FrametimeSink // optional, nil-safe
	Metrics    Metrics       // optional, nil-safe
}

// New creates a CompletionEngine wired to the given subsystems.
func New(submits *submit.Tracker, slots *slot.Manager, resetQ *recording.ResetQueue, bridge *frametime.Bridge, writer *packetio.Writer, queues *QueueIndexRegistry) *Engine {
	return &Engine{
		submits: submits,
		slots:   slots,
		resetQ:  resetQ,
		bridge:  bridge,
		writer:  writer,
		queues:  queues,
	}
}

// Poll runs one completion pass: for every queue with a pending submit
// list, drain completed submits from the head, serialize each, and
// route frametimes. reader is consulted for every candidate submit's
// terminal slot.
func (e *Engine) Poll(reader QueryReader) {
	for _, q := range e.submits.Queues() {
		e.drainQueue(q, reader)
	}
	e.bridge.Queue.Prune(e.slots)
}

func (e *Engine) drainQueue(q submit.QueueHandle, reader QueryReader) {
	for {
		head, ok := e.submits.PeekHead(q)
		if !ok {
			return
		}
		if !e.isComplete(head, reader) {
			return
		}
		ts, _ := e.submits.PopHead(q)
		_, terminalT1, hasTerminal := e.serialize(q, ts, reader)
		e.routeFrametime(ts, terminalT1, hasTerminal)
		if e.Metrics != nil {
			e.Metrics.AddSubmitsCompleted(1)
		}
	}
}

// isComplete reports whether ts's terminal slot has a ready readback.
// Submits with no tracked command buffers (present-only or fully
// untracked) are trivially complete.
func (e *Engine) isComplete(ts *submit.TrackedSubmit, reader QueryReader) bool {
	if len(ts.CBOuterSlots) == 0 {
		return true
	}
	terminal := ts.CBOuterSlots[len(ts.CBOuterSlots)-1]
	_, _, ok := reader.ReadTimestamps(terminal)
	if !ok {
		telemetrylog.Get().Debug("gputap: submit readback not ready, retrying next pass",
			"error", ErrQueryNotReady, "slot", terminal)
	}
	return ok
}

// serialize emits ts's Submit/RangeTimer/RangeStats packets and
// transitions every involved slot. It returns the terminal
// cbOuterSlot's timestamps, read once here and reused by routeFrametime
// rather than re-read after the slot has already been queued for reset.
func (e *Engine) serialize(q submit.QueueHandle, ts *submit.TrackedSubmit, reader QueryReader) (terminalT0, terminalT1 uint64, hasTerminal bool) {
	idx, firstSeen := e.queues.IndexOf(q)
	_ = firstSeen // QueueInfo emission is driven by the engine facade, which owns queue metadata

	header := packetio.EncodeSubmitHeader(idx, ts.WallMicros, ts.IsPresentOnly,
		uint16(len(ts.CBOuterSlots)), uint16(len(ts.Markers)))
	e.writer.WriteData(header)

	var toReset []slot.ID

	for i, s := range ts.CBOuterSlots {
		t0, t1, _ := reader.ReadTimestamps(s)
		e.writer.WriteData(packetio.EncodeRangeTimer("", [2]uint64{t0, t1}))
		if e.StatisticsEnabled {
			if stats, ok := reader.ReadStatistics(s); ok {
				e.writer.WriteData(packetio.EncodeRangeStats(stats))
			}
		}
		toReset = append(toReset, s)
		if i == len(ts.CBOuterSlots)-1 {
			terminalT0, terminalT1, hasTerminal = t0, t1, true
		}
	}

	for _, mark := range ts.Markers {
		t0, t1, _ := reader.ReadTimestamps(mark.Slot)
		e.writer.WriteData(packetio.EncodeRangeTimer(mark.Label, [2]uint64{t0, t1}))
		if e.StatisticsEnabled {
			if stats, ok := reader.ReadStatistics(mark.Slot); ok {
				e.writer.WriteData(packetio.EncodeRangeStats(stats))
			}
		}
		toReset = append(toReset, mark.Slot)
	}

	if len(toReset) > 0 {
		e.slots.Transition(toReset, slot.QueryReadbackReady)
		e.slots.Transition(toReset, slot.ReadyForResetIssue)
		e.resetQ.Enqueue(toReset)
	}

	if len(ts.ResetSlots) > 0 {
		e.slots.Transition(ts.ResetSlots, slot.ReadyForQueryIssue)
	}

	return terminalT0, terminalT1, hasTerminal
}

// routeFrametime correlates a completed submit with the frametime
// queue: if the queue's head equals this submit's terminal slot, pop it
// and, if its end timestamp is valid, transmit it to the live client
// and decrement the capture-frame counter.
func (e *Engine) routeFrametime(ts *submit.TrackedSubmit, terminalEndTimestamp uint64, validTerminal bool) {
	if len(ts.CBOuterSlots) == 0 {
		return
	}
	terminal := ts.CBOuterSlots[len(ts.CBOuterSlots)-1]
	if !e.bridge.Queue.PopIfHeadEquals(terminal) {
		return
	}
	if e.Frametimes == nil || !validTerminal {
		return
	}
	e.Frametimes.SendFrametime(terminalEndTimestamp)
	e.Frametimes.DecrementCaptureFrames()
}
