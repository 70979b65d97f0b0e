// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package telemetrylog

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestGetDefaultsToSilentLogger(t *testing.T) {
	defer Set(nil)
	if Get().Enabled(context.Background(), slog.LevelError) {
		t.Fatal("default logger should be disabled at every level")
	}
	Get().Info("should be discarded")
}

func TestSetInstallsGivenLogger(t *testing.T) {
	defer Set(nil)
	var buf bytes.Buffer
	Set(slog.New(slog.NewTextHandler(&buf, nil)))
	Get().Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected installed logger to receive the record, got: %s", buf.String())
	}
}

func TestInstallDebugSinkTeesToBothHandlers(t *testing.T) {
	defer Set(nil)
	var primary, debug bytes.Buffer
	Set(slog.New(slog.NewTextHandler(&primary, nil)))

	InstallDebugSink(&debug)
	Get().Info("tee me")

	if !strings.Contains(primary.String(), "tee me") {
		t.Fatalf("expected primary handler to still receive records, got: %s", primary.String())
	}
	if !strings.Contains(debug.String(), "tee me") {
		t.Fatalf("expected debug sink to receive records, got: %s", debug.String())
	}
}
