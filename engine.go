// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package gputap is the GPU query-slot lifecycle engine: it observes a
// host graphics API's command-pool/command-buffer/queue model through
// a small set of hook methods and produces a binary telemetry stream of
// GPU timestamp ranges, pipeline statistics, debug markers, submits,
// and per-present frametimes.
//
// Engine is the root facade: one struct owning one instance of each
// subsystem, with hook methods named after the host-API calls they
// observe. There is no dispatch table and no instance/device creation
// here; those belong to the layer glue that feeds this package.
package gputap

import (
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/gogpu/gputap/internal/cmdpool"
	"github.com/gogpu/gputap/internal/completion"
	"github.com/gogpu/gputap/internal/diagnostics"
	"github.com/gogpu/gputap/internal/frametime"
	"github.com/gogpu/gputap/internal/hud"
	"github.com/gogpu/gputap/internal/packetio"
	"github.com/gogpu/gputap/internal/queuefamily"
	"github.com/gogpu/gputap/internal/recording"
	"github.com/gogpu/gputap/internal/slot"
	"github.com/gogpu/gputap/internal/submit"
	"github.com/gogpu/gputap/internal/telemetrylog"
	"github.com/gogpu/gputap/internal/workerthread"
)

// ProtocolHandshake and ProtocolVersion identify this engine's wire
// format to a connecting HUD client, echoed in the LogHeader. Arbitrary
// but fixed for the lifetime of the format.
const (
	ProtocolHandshake uint32 = 0x47505430 // "GPT0"
	ProtocolVersion   uint32 = 1
)

// Handle is a generic opaque host-API handle for instances and devices.
// No Engine hook method takes one: the engine has no instance or device
// hooks, and command pools, command buffers and queues use
// cmdpool.Handle and submit.QueueHandle.
type Handle uint64

// Engine wires together every internal component behind the host-API
// hook entry points. A zero Engine is not
// usable; construct with New.
type Engine struct {
	config EngineConfig

	queueFamilies *queuefamily.Manager
	resetPools    *cmdpool.Tracker // pools eligible to submit resets
	tsPools       *cmdpool.Tracker // pools eligible to record timestamps

	slots     *slot.Manager
	recording *recording.Tracker
	resetQ    *recording.ResetQueue
	submits   *submit.Tracker
	bridge    *frametime.Bridge
	writer    *packetio.Writer
	queues    *completion.QueueIndexRegistry
	completer *completion.Engine

	hud    *hud.Server
	worker *workerthread.Thread

	diagMetrics *diagnostics.Metrics
	tracer      *diagnostics.Tracer
	tracing     *tracingState

	mu              sync.Mutex
	liveMarkerDepth uint32 // current effective cap; starts at config.MaxMarkerDepth

	outFile   *os.File
	debugFile *os.File
}

// New constructs an Engine from cfg (defaults applied) and the
// platform-reported queue-family array. File and socket setup failures
// degrade rather than surfacing an error: a failed file open enters
// degraded mode, a failed listener bind leaves network capture
// unavailable, and the engine keeps running either way.
func New(cfg EngineConfig, families []queuefamily.Info) *Engine {
	cfg = cfg.WithDefaults()

	e := &Engine{
		config:          cfg,
		queueFamilies:   queuefamily.New(families),
		resetPools:      cmdpool.New(),
		tsPools:         cmdpool.New(),
		slots:           slot.New(cfg.SlotCount),
		recording:       recording.New(),
		resetQ:          recording.NewResetQueue(),
		submits:         submit.New(),
		bridge:          frametime.NewBridge(),
		queues:          completion.NewQueueIndexRegistry(),
		liveMarkerDepth: cfg.MaxMarkerDepth,
		tracing:         newTracingState(),
	}

	e.outFile = e.openOutputFile(cfg)
	e.debugFile = e.openDebugFile(cfg)
	e.installDebugLogger()

	e.writer = packetio.NewWriter(outputFileSink(e.outFile), cfg.CaptureMode != CaptureModeNetwork)
	e.completer = completion.New(e.submits, e.slots, e.resetQ, e.bridge, e.writer, e.queues)
	e.completer.StatisticsEnabled = cfg.StatisticsEnabled

	e.writer.WriteData(packetio.EncodeLogHeader(ProtocolHandshake, ProtocolVersion, timestampPeriodPlaceholder))

	if cfg.CaptureMode != CaptureModeLocal {
		if srv, err := hud.New(fmt.Sprintf(":%d", cfg.Port), ProtocolHandshake, ProtocolVersion, timestampPeriodPlaceholder); err != nil {
			telemetrylog.Get().Warn("gputap: HUD listener unavailable, continuing without network capture", "error", err)
		} else {
			srv.SetReplaySource(e.writer.Flush, e.writer.CachedQueueInfo)
			e.writer.SetCaptureSink(srv)
			e.hud = srv
			e.completer.Frametimes = srv
		}
	}

	if cfg.LoggerThread {
		e.worker = workerthread.New()
	}

	return e
}

// timestampPeriodPlaceholder stands in for the nanoseconds-per-
// timestamp-tick value the host API reports (VkPhysicalDeviceLimits::
// timestampPeriod on Vulkan). Querying it belongs to the dispatch shim;
// callers that need an accurate LogHeader should rebuild it themselves
// from the device's real value and reopen a connection.
const timestampPeriodPlaceholder float32 = 1.0

func outputFileSink(f *os.File) packetio.FileSink {
	if f == nil {
		return nil
	}
	return f
}

func (e *Engine) openOutputFile(cfg EngineConfig) *os.File {
	if cfg.CaptureMode == CaptureModeNetwork {
		return nil
	}
	f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		telemetrylog.Get().Error("gputap: output file unavailable, entering degraded mode",
			"path", cfg.OutputPath, "error", fmt.Errorf("%w: %v", ErrOutputFileUnavailable, err))
		return nil
	}
	return f
}

func (e *Engine) openDebugFile(cfg EngineConfig) *os.File {
	if cfg.OutputPath == "" {
		return nil
	}
	f, err := os.OpenFile(cfg.OutputPath+".debug", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		telemetrylog.Get().Warn("gputap: debug sibling file unavailable",
			"error", fmt.Errorf("%w: %v", ErrOutputFileUnavailable, err))
		return nil
	}
	return f
}

// installDebugLogger makes the .debug sibling file a second slog sink:
// textual diagnostics go to both the process's existing logger
// destination and this file, via one slog.Logger rather than a separate
// ad hoc writer.
func (e *Engine) installDebugLogger() {
	if e.debugFile == nil {
		return
	}
	telemetrylog.InstallDebugSink(e.debugFile)
}

// Close flushes pending output, stops the optional worker thread, and
// closes files and sockets. Shutdown is cooperative; nothing is forced
// mid-call.
func (e *Engine) Close() {
	e.writer.Flush()
	if e.worker != nil {
		e.worker.Stop()
	}
	if e.hud != nil {
		e.hud.Close()
	}
	if e.outFile != nil {
		e.outFile.Close()
	}
	if e.debugFile != nil {
		e.debugFile.Close()
	}
}

// EnableDiagnostics wires a fresh prometheus registry and otel tracer
// into every subsystem that accepts one. Optional: an Engine that never
// calls this has zero diagnostics overhead beyond nil checks.
func (e *Engine) EnableDiagnostics() {
	m := diagnostics.New()
	e.diagMetrics = m
	e.slots.SetMetrics(m)
	e.writer.SetMetrics(m)
	e.completer.Metrics = m
	if e.hud != nil {
		e.hud.SetMetrics(m)
	}
	e.tracer = diagnostics.NewTracer()
}

// MetricsHandler returns the Prometheus exposition handler, or a 404
// handler if EnableDiagnostics was never called. The engine never
// starts its own HTTP server; the host mounts this wherever it already
// serves diagnostics.
func (e *Engine) MetricsHandler() http.Handler {
	if e.diagMetrics == nil {
		return http.NotFoundHandler()
	}
	return e.diagMetrics.Handler()
}

// SetStrictSlotTransitions toggles SlotManager's debug/release behavior
// for out-of-order transitions: true panics on a
// programmer error, false (the default) logs a warning and forces the
// transition through. A host built with its own debug/release
// distinction should call this once at startup with that flag.
func (e *Engine) SetStrictSlotTransitions(strict bool) {
	e.slots.SetStrict(strict)
}

// --- command-pool lifecycle ---

// CreateCommandPool registers pool against whichever internal trackers
// its queue family qualifies for.
func (e *Engine) CreateCommandPool(pool cmdpool.Handle, queueFamilyIndex int) {
	if e.queueFamilies.SupportsResetSubmission(queueFamilyIndex) {
		e.resetPools.AddPool(pool)
	}
	if e.queueFamilies.SupportsTimestamps(queueFamilyIndex) {
		e.tsPools.AddPool(pool)
	}
}

// DestroyCommandPool rolls back every still-tracked command buffer in
// pool and untracks the pool itself.
func (e *Engine) DestroyCommandPool(pool cmdpool.Handle) {
	e.resetRecordingsFor(pool)
	e.resetPools.RemovePool(pool)
	e.tsPools.RemovePool(pool)
}

// ResetCommandPool rolls back every still-tracked command buffer in
// pool, but (unlike DestroyCommandPool) leaves pool/command-buffer
// membership intact — a pool reset does not deallocate its buffers.
func (e *Engine) ResetCommandPool(pool cmdpool.Handle) {
	e.resetRecordingsFor(pool)
}

func (e *Engine) resetRecordingsFor(pool cmdpool.Handle) {
	seen := make(map[cmdpool.Handle]struct{})
	for _, cb := range e.resetPools.CommandBuffersIn(pool) {
		seen[cb] = struct{}{}
	}
	for _, cb := range e.tsPools.CommandBuffersIn(pool) {
		seen[cb] = struct{}{}
	}
	for cb := range seen {
		e.recording.Reset(cb, e.resetQ, e.slots)
		e.endRecordingSpan(cb)
	}
}

// AllocateCommandBuffers associates handles with pool in both
// trackers. A handle belonging to an untracked pool is silently
// ignored by cmdpool.Tracker's own tie-break.
func (e *Engine) AllocateCommandBuffers(pool cmdpool.Handle, handles []cmdpool.Handle) {
	e.resetPools.AddCommandBuffers(pool, handles)
	e.tsPools.AddCommandBuffers(pool, handles)
}

// FreeCommandBuffers rolls back and untracks handles.
func (e *Engine) FreeCommandBuffers(pool cmdpool.Handle, handles []cmdpool.Handle) {
	for _, cb := range handles {
		e.recording.Reset(cb, e.resetQ, e.slots)
		e.endRecordingSpan(cb)
	}
	e.resetPools.RemoveCommandBuffers(pool, handles)
	e.tsPools.RemoveCommandBuffers(pool, handles)
}

// --- command-buffer recording ---

// BeginCommandBuffer implements vkBeginCommandBuffer's hook. The
// returned recording.BeginResult tells the caller's dispatch glue which
// GPU commands (resets, the outer start timestamp) to emit.
func (e *Engine) BeginCommandBuffer(cb cmdpool.Handle) recording.BeginResult {
	resetEligible := e.resetPools.IsCommandBufferTracked(cb)
	tsEligible := e.tsPools.IsCommandBufferTracked(cb)
	depth := e.currentMarkerDepth()
	e.beginRecordingSpan(cb)
	return e.recording.Begin(cb, resetEligible, tsEligible, e.resetQ, e.slots, depth)
}

// EndCommandBuffer implements vkEndCommandBuffer's hook.
func (e *Engine) EndCommandBuffer(cb cmdpool.Handle) recording.EndResult {
	result := e.recording.End(cb)
	e.endRecordingSpan(cb)
	return result
}

// ResetCommandBuffer implements vkResetCommandBuffer's hook.
func (e *Engine) ResetCommandBuffer(cb cmdpool.Handle) {
	e.recording.Reset(cb, e.resetQ, e.slots)
	e.endRecordingSpan(cb)
}

// DebugMarkerBegin implements the debug-marker-begin hook.
func (e *Engine) DebugMarkerBegin(cb cmdpool.Handle, label string) (slot.ID, bool) {
	e.beginMarkerSpan(cb, label)
	return e.recording.BeginMarker(cb, label, e.slots)
}

// DebugMarkerEnd implements the debug-marker-end hook.
func (e *Engine) DebugMarkerEnd(cb cmdpool.Handle) (slot.ID, bool) {
	e.endMarkerSpan(cb)
	return e.recording.EndMarker(cb)
}

// currentMarkerDepth resolves the effective marker cap: an active
// capture connection's requested depth overrides the configured
// default for the duration of the capture, otherwise the engine's own
// configuration applies.
func (e *Engine) currentMarkerDepth() uint32 {
	if e.hud != nil {
		if d := e.hud.CaptureMarkerDepth(); d > 0 {
			return d
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveMarkerDepth
}

// --- queue operations ---

// GetDeviceQueue registers queue (if not already known) and emits its
// QueueInfo packet the first time it is observed.
func (e *Engine) GetDeviceQueue(queue submit.QueueHandle, queueFamilyIndex int, queueIndex uint32) {
	idx, firstSeen := e.queues.IndexOf(queue)
	if !firstSeen {
		return
	}
	flags := uint32(e.queueFamilies.Flags(queueFamilyIndex))
	e.writer.EmitQueueInfo(flags, queueIndex, idx, uint64(queue))
}

// QueueSubmit implements vkQueueSubmit's hook: wallMicros is the
// caller's wall-clock sample taken at the moment of the real submit
// call. All provenance is snapshotted here, synchronously, because the
// application may reuse or reset the command-buffer handles as soon as
// the submit call returns.
func (e *Engine) QueueSubmit(queue submit.QueueHandle, cbs []cmdpool.Handle, wallMicros uint64) *submit.TrackedSubmit {
	var ts *submit.TrackedSubmit
	e.traceSubmit(uint64(queue), len(cbs), func() {
		ts = e.submits.QueueSubmit(queue, cbs, wallMicros, e.recording)
	})
	return ts
}

// QueuePresent implements vkQueuePresentKHR's hook: it records the
// frametime correlation, runs one completion pass against reader, and
// polls the HUD listener for new connections. reader is supplied by
// the host's dispatch glue, which owns the real query pools.
func (e *Engine) QueuePresent(queue submit.QueueHandle, wallMicros uint64, reader completion.QueryReader) {
	final, hasFinal := e.submits.QueuePresent(queue, wallMicros)
	e.bridge.OnPresent(final, hasFinal)
	e.PollCompletions(reader)
	if e.hud != nil {
		e.hud.Poll()
	}
}

// PollCompletions runs one CompletionEngine pass against reader.
// QueuePresent calls this synchronously by default; a host that set
// EngineConfig.LoggerThread and wants polling off the presentation
// thread can instead call
// engine.WorkerThread().CallVoid(func() { engine.PollCompletions(reader) })
// itself. Neither placement is forced by this package.
func (e *Engine) PollCompletions(reader completion.QueryReader) {
	e.completer.Poll(reader)
}

// WorkerThread returns the optional logger-thread skeleton reserved by
// EngineConfig.LoggerThread, or nil if it was not configured. It
// performs no implicit work; see PollCompletions for the intended use.
func (e *Engine) WorkerThread() *workerthread.Thread {
	return e.worker
}
