// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package gputap

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestParseSettingsLine(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		key   string
		value string
		ok    bool
	}{
		{"plain", "outputPath = /tmp/gv.log", "outputPath", "/tmp/gv.log", true},
		{"no spaces", "port=31337", "port", "31337", true},
		{"trailing whitespace", "  loggerThread = True  ", "loggerThread", "True", true},
		{"empty value", "outputPath =", "outputPath", "", true},
		{"comment", "# captureMode = Network", "", "", false},
		{"blank", "   ", "", "", false},
		{"no equals", "just some text", "", "", false},
		{"empty key", "= value", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, value, ok := ParseSettingsLine(tt.line)
			if key != tt.key || value != tt.value || ok != tt.ok {
				t.Errorf("ParseSettingsLine(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.line, key, value, ok, tt.key, tt.value, tt.ok)
			}
		})
	}
}

func TestParseCaptureMode(t *testing.T) {
	tests := []struct {
		in   string
		want CaptureMode
	}{
		{"Mixed", CaptureModeMixed},
		{"local", CaptureModeLocal},
		{"LOCAL", CaptureModeLocal},
		{"Network", CaptureModeNetwork},
		{" network ", CaptureModeNetwork},
		{"bogus", CaptureModeMixed},
		{"", CaptureModeMixed},
	}
	for _, tt := range tests {
		if got := ParseCaptureMode(tt.in); got != tt.want {
			t.Errorf("ParseCaptureMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseBoolSetting(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"true", true},
		{"True", true},
		{"1", true},
		{"yes", true},
		{"on", true},
		{"false", false},
		{"0", false},
		{"", false},
		{"maybe", false},
	}
	for _, tt := range tests {
		if got := ParseBoolSetting(tt.in); got != tt.want {
			t.Errorf("ParseBoolSetting(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := EngineConfig{}.WithDefaults()
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.SlotCount != DefaultSlotCount {
		t.Errorf("SlotCount = %d, want %d", cfg.SlotCount, DefaultSlotCount)
	}
	if cfg.OutputPath == "" {
		t.Error("OutputPath should resolve to the default, not stay empty")
	}
	want := filepath.Join("VkPerfHaus", "GPUVoyeur.log")
	if !strings.HasSuffix(cfg.OutputPath, want) {
		t.Errorf("OutputPath = %q, want suffix %q", cfg.OutputPath, want)
	}

	explicit := EngineConfig{OutputPath: "/tmp/x.log", Port: 9000, SlotCount: 8}.WithDefaults()
	if explicit.OutputPath != "/tmp/x.log" || explicit.Port != 9000 || explicit.SlotCount != 8 {
		t.Errorf("WithDefaults overwrote explicit values: %+v", explicit)
	}
}
