// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package gputap

import "errors"

// ErrOutputFileUnavailable indicates the local log file (or its .debug
// sibling) could not be opened. The engine continues in degraded mode:
// network capture, if configured, is unaffected.
// openOutputFile and openDebugFile wrap the underlying os error with
// this sentinel before logging it, so a host's own log processing can
// match on it with errors.Is.
var ErrOutputFileUnavailable = errors.New("gputap: output file unavailable")
