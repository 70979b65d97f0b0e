// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package gputap

import (
	"log/slog"

	"github.com/gogpu/gputap/internal/telemetrylog"
)

// SetLogger configures the logger used by the engine and all of its
// internal components. By default gputap produces no log output; call
// SetLogger to enable it.
//
// SetLogger is safe for concurrent use: it stores the new logger
// atomically. Pass nil to disable logging (restore default silent
// behavior).
//
// Log levels used by gputap:
//   - [slog.LevelDebug]: slot-pool exhaustion, untracked pools and command
//     buffers, not-yet-ready readbacks, skipped capture transmits, live and
//     capture connections established
//   - [slog.LevelWarn]: forced out-of-order slot transitions, socket errors,
//     handshake mismatches, HUD listener and .debug file unavailable,
//     local log write failures
//   - [slog.LevelError]: the local output file cannot be opened (degraded
//     mode)
//
// Nothing is logged at [slog.LevelInfo].
func SetLogger(l *slog.Logger) {
	telemetrylog.Set(l)
}

// Logger returns the current logger used by the engine.
func Logger() *slog.Logger {
	return telemetrylog.Get()
}
