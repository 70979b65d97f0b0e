// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package gputap

import (
	"context"
	"sync"

	"github.com/gogpu/gputap/internal/cmdpool"
	"go.opentelemetry.io/otel/trace"
)

// recordingTrace holds the live span state for one command buffer's
// recording, from BeginCommandBuffer through EndCommandBuffer or
// ResetCommandBuffer, plus the nested stack of marker child spans
// (internal/diagnostics.Tracer's RecordingSpan/MarkerSpan). Only
// populated while EnableDiagnostics has installed a tracer; with no
// tracer this bookkeeping never runs.
type recordingTrace struct {
	ctx     context.Context
	span    trace.Span
	markers []markerTraceFrame
}

type markerTraceFrame struct {
	span trace.Span
}

// tracingState is the diagnostics-only side table engine.go's hook
// methods consult to bracket CPU-side spans around recording and submit
// activity. It exists separately from recording.Tracker because spans
// are a diagnostics concern, not part of the query-slot state machine
// itself.
type tracingState struct {
	mu   sync.Mutex
	byCB map[cmdpool.Handle]*recordingTrace
}

func newTracingState() *tracingState {
	return &tracingState{byCB: make(map[cmdpool.Handle]*recordingTrace)}
}

// beginRecordingSpan starts a recording span for cb if a tracer is
// installed. No-op (and no bookkeeping) if e.tracer is nil.
func (e *Engine) beginRecordingSpan(cb cmdpool.Handle) {
	if e.tracer == nil {
		return
	}
	ctx, span := e.tracer.RecordingSpan(context.Background(), uint64(cb))
	e.tracing.mu.Lock()
	e.tracing.byCB[cb] = &recordingTrace{ctx: ctx, span: span}
	e.tracing.mu.Unlock()
}

// endRecordingSpan ends cb's recording span (if any), first closing out
// any marker spans left open by an abandoned recording so no span
// leaks past its parent's end.
func (e *Engine) endRecordingSpan(cb cmdpool.Handle) {
	if e.tracer == nil {
		return
	}
	e.tracing.mu.Lock()
	rt, ok := e.tracing.byCB[cb]
	delete(e.tracing.byCB, cb)
	e.tracing.mu.Unlock()
	if !ok {
		return
	}
	for i := len(rt.markers) - 1; i >= 0; i-- {
		rt.markers[i].span.End()
	}
	rt.span.End()
}

// beginMarkerSpan starts a child span nested under cb's recording span,
// if both a tracer and an active recording span exist for cb.
func (e *Engine) beginMarkerSpan(cb cmdpool.Handle, label string) {
	if e.tracer == nil {
		return
	}
	e.tracing.mu.Lock()
	defer e.tracing.mu.Unlock()
	rt, ok := e.tracing.byCB[cb]
	if !ok {
		return
	}
	_, span := e.tracer.MarkerSpan(rt.ctx, label)
	rt.markers = append(rt.markers, markerTraceFrame{span: span})
}

// endMarkerSpan ends the innermost open marker span for cb, if any.
func (e *Engine) endMarkerSpan(cb cmdpool.Handle) {
	if e.tracer == nil {
		return
	}
	e.tracing.mu.Lock()
	defer e.tracing.mu.Unlock()
	rt, ok := e.tracing.byCB[cb]
	if !ok || len(rt.markers) == 0 {
		return
	}
	n := len(rt.markers) - 1
	rt.markers[n].span.End()
	rt.markers = rt.markers[:n]
}

// traceSubmit brackets a queue submit with a span covering exactly the
// duration of the host's QueueSubmit hook (the submit call itself is
// synchronous, so there is no cross-call span bookkeeping to do, unlike
// recording spans).
func (e *Engine) traceSubmit(queue uint64, cbCount int, fn func()) {
	if e.tracer == nil {
		fn()
		return
	}
	_, span := e.tracer.SubmitSpan(context.Background(), queue, cbCount)
	defer span.End()
	fn()
}
