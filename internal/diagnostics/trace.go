// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package diagnostics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope reported to whatever
// TracerProvider the host installs via otel.SetTracerProvider. With no
// provider installed, otel.Tracer returns the package-level no-op
// tracer and every span below costs one interface call.
const tracerName = "github.com/gogpu/gputap"

// Tracer wraps an otel.Tracer with the three span shapes this engine
// emits: one per command-buffer recording, one per queue submit, and
// one per marker range nested under a recording span. These describe
// when the engine observed and processed an event, not GPU execution
// time — the GPU timing itself travels only through the binary packet
// stream (internal/packetio), never through spans.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer wraps otel.Tracer(tracerName). Safe to call before any
// TracerProvider is installed; spans become no-ops until one is.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// NewSDKTracerProvider builds a sdktrace.TracerProvider that exports every
// span to the given processor(s) (a batch or simple span processor wrapping
// whatever exporter the host wants — OTLP, Jaeger, an in-memory recorder for
// tests). The engine itself never constructs a TracerProvider; a host wires
// one in with otel.SetTracerProvider before calling EnableDiagnostics so
// NewTracer's otel.Tracer call picks it up.
func NewSDKTracerProvider(opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(opts...)
}

// RecordingSpan starts a span bracketing one command buffer's
// recording lifetime, from BeginCommandBuffer to EndCommandBuffer or
// ResetCommandBuffer. The caller ends it via the returned trace.Span.
func (t *Tracer) RecordingSpan(ctx context.Context, commandBuffer uint64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "recording",
		trace.WithAttributes(attribute.Int64("gputap.command_buffer", int64(commandBuffer))))
}

// SubmitSpan starts a span bracketing one QueueSubmit call.
func (t *Tracer) SubmitSpan(ctx context.Context, queue uint64, cbCount int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "queue_submit",
		trace.WithAttributes(
			attribute.Int64("gputap.queue", int64(queue)),
			attribute.Int("gputap.command_buffer_count", cbCount),
		))
}

// MarkerSpan starts a child span for one nested debug-marker range.
// Call with the context returned by RecordingSpan so it nests
// correctly.
func (t *Tracer) MarkerSpan(ctx context.Context, label string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "marker",
		trace.WithAttributes(attribute.String("gputap.marker_label", label)))
}
