// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package diagnostics wires the engine's internal counters and CPU-side
// spans to prometheus/client_golang and opentelemetry. Nothing here is
// on the hot path by necessity: every call site that reports a metric
// or starts a span is nil-safe, so an embedding host that never wires a
// collector pays no cost beyond a nil check.
package diagnostics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private prometheus.Registry (never the global default
// registerer, so multiple engines in one process don't collide) and
// satisfies slot.Metrics, packetio.Metrics, completion.Metrics, and
// hud.Metrics by structural typing.
type Metrics struct {
	registry *prometheus.Registry

	slotsFree   prometheus.Gauge
	slotsActive prometheus.Gauge

	packetsWritten prometheus.Counter
	bytesWritten   prometheus.Counter

	submitsCompleted prometheus.Counter

	captureClients prometheus.Gauge
}

// New creates a Metrics instance with all gauges/counters registered
// against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		slotsFree: f.NewGauge(prometheus.GaugeOpts{
			Name: "gputap_slots_free",
			Help: "Query slots currently in ReadyForQueryIssue.",
		}),
		slotsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "gputap_slots_active",
			Help: "Query slots outside ReadyForQueryIssue.",
		}),
		packetsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "gputap_packets_written_total",
			Help: "Packets flushed by the packet writer, across all sinks.",
		}),
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "gputap_bytes_written_total",
			Help: "Bytes flushed by the packet writer, across all sinks.",
		}),
		submitsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "gputap_submits_completed_total",
			Help: "Submits drained by the completion engine.",
		}),
		captureClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "gputap_capture_clients",
			Help: "1 if a capture connection is currently armed, else 0.",
		}),
	}
}

// Handler returns an http.Handler exposing this Metrics' registry in
// the Prometheus text exposition format. The engine never starts its
// own HTTP server; the host mounts this wherever it already serves
// diagnostics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetFreeSlots implements slot.Metrics.
func (m *Metrics) SetFreeSlots(n int) { m.slotsFree.Set(float64(n)) }

// SetActiveSlots implements slot.Metrics.
func (m *Metrics) SetActiveSlots(n int) { m.slotsActive.Set(float64(n)) }

// AddPacketsWritten implements packetio.Metrics.
func (m *Metrics) AddPacketsWritten(n int) { m.packetsWritten.Add(float64(n)) }

// AddBytesWritten implements packetio.Metrics.
func (m *Metrics) AddBytesWritten(n int) { m.bytesWritten.Add(float64(n)) }

// AddSubmitsCompleted implements completion.Metrics.
func (m *Metrics) AddSubmitsCompleted(n int) { m.submitsCompleted.Add(float64(n)) }

// SetCaptureClients implements hud.Metrics.
func (m *Metrics) SetCaptureClients(n int) { m.captureClients.Set(float64(n)) }
