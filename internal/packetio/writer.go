// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package packetio

import (
	"io"
	"sync"

	"github.com/gogpu/gputap/internal/telemetrylog"
)

// StagingBufferSize is the fixed staging buffer capacity.
const StagingBufferSize = 1024

// CaptureSink receives bytes that should be mirrored to any live capture
// connection. Implemented by internal/hud's Server; the sink itself is
// a no-op unless a capture socket is live and the capture-frame counter
// is positive.
type CaptureSink interface {
	TransmitCapture(data []byte)
}

// Metrics receives PacketWriter diagnostic counter updates.
type Metrics interface {
	AddPacketsWritten(n int)
	AddBytesWritten(n int)
}

// FileSink is the subset of *os.File the Writer needs, so tests can
// substitute an in-memory fake.
type FileSink interface {
	io.Writer
	Sync() error
}

// Writer is a fixed staging buffer fanning out to a local file sink
// and/or a capture sink depending on the configured capture mode.
type Writer struct {
	mu sync.Mutex

	buf []byte

	file           FileSink // nil in degraded/network-only mode
	writeLocalFile bool
	capture        CaptureSink

	metrics Metrics

	seenQueueGlobalIdx map[uint32]bool
	queueInfoCache     [][]byte
}

// NewWriter creates a Writer. file may be nil (degraded mode, or
// Network-only capture mode); writeLocalFile controls whether flushes are
// appended to file at all (false for CaptureModeNetwork).
func NewWriter(file FileSink, writeLocalFile bool) *Writer {
	return &Writer{
		file:               file,
		writeLocalFile:     writeLocalFile,
		seenQueueGlobalIdx: make(map[uint32]bool),
	}
}

// SetCaptureSink installs (or, with nil, removes) the capture-transmit
// destination.
func (w *Writer) SetCaptureSink(sink CaptureSink) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.capture = sink
}

// SetMetrics installs a diagnostics sink. Pass nil to disable reporting.
func (w *Writer) SetMetrics(metrics Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics = metrics
}

// WriteData stages bytes for output: oversized writes flush-through
// directly; everything else accumulates in the staging buffer, which is
// flushed once it passes the half-full mark.
func (w *Writer) WriteData(data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(data) > StagingBufferSize/2 {
		w.flushLocked()
		w.flushToOutputLocked(data)
		return
	}

	w.buf = append(w.buf, data...)
	if len(w.buf) > StagingBufferSize/2 {
		w.flushLocked()
	}
}

// Flush drains the staging buffer through flushToOutput, even if it is
// below the half-full mark. Called at shutdown and before arming a new
// capture connection, so a capture stream starts on a packet boundary.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

func (w *Writer) flushLocked() {
	if len(w.buf) == 0 {
		return
	}
	data := w.buf
	w.buf = nil
	w.flushToOutputLocked(data)
}

// flushToOutputLocked mirrors to the capture sink unconditionally (the
// sink itself is a no-op when not armed), then, if local-file writes
// are enabled, appends and force-flushes the file.
func (w *Writer) flushToOutputLocked(data []byte) {
	if len(data) == 0 {
		return
	}
	if w.capture != nil {
		w.capture.TransmitCapture(data)
	}
	if w.writeLocalFile && w.file != nil {
		if _, err := w.file.Write(data); err != nil {
			telemetrylog.Get().Warn("gputap: local log write failed, disabling file sink", "error", err)
			w.file = nil
		} else if err := w.file.Sync(); err != nil {
			telemetrylog.Get().Warn("gputap: local log sync failed, disabling file sink", "error", err)
			w.file = nil
		}
	}
	if w.metrics != nil {
		w.metrics.AddBytesWritten(len(data))
		w.metrics.AddPacketsWritten(1)
	}
}

// EmitQueueInfo writes a QueueInfo packet the first time globalQueueIndex
// is observed, and caches the encoded bytes for replay to late-joining
// capture clients. Subsequent calls for an already-seen index are
// no-ops.
func (w *Writer) EmitQueueInfo(queueFamilyFlags, queueIndex, globalQueueIndex uint32, handle uint64) {
	w.mu.Lock()
	if w.seenQueueGlobalIdx[globalQueueIndex] {
		w.mu.Unlock()
		return
	}
	w.seenQueueGlobalIdx[globalQueueIndex] = true
	encoded := EncodeQueueInfo(queueFamilyFlags, queueIndex, globalQueueIndex, handle)
	w.queueInfoCache = append(w.queueInfoCache, encoded)
	w.mu.Unlock()

	w.WriteData(encoded)
}

// CachedQueueInfo returns every QueueInfo packet emitted so far, in
// emission order, for internal/hud to replay to a newly connected
// capture client.
func (w *Writer) CachedQueueInfo() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.queueInfoCache))
	copy(out, w.queueInfoCache)
	return out
}
