package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", LevelDebug},
		{"debug", LevelDebug},
		{"  DEBUG  ", LevelDebug},
		{"INFO", LevelInfo},
		{"WARN", LevelWarn},
		{"warning", LevelWarn},
		{"ERROR", LevelError},
		{"", LevelInfo},
		{"TRACE", LevelInfo}, // Unknown levels default to INFO
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseLevel(tc.input); got != tc.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected Format
	}{
		{"json", FormatJSON},
		{" JSON ", FormatJSON},
		{"text", FormatText},
		{"", FormatText},
		{"logfmt", FormatText},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseFormat(tc.input); got != tc.expected {
				t.Errorf("ParseFormat(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestLevelToSlogLevel(t *testing.T) {
	tests := []struct {
		level    Level
		expected slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
	}

	for _, tc := range tests {
		t.Run(tc.level.String(), func(t *testing.T) {
			if got := tc.level.ToSlogLevel(); got != tc.expected {
				t.Errorf("Level(%v).ToSlogLevel() = %v, want %v", tc.level, got, tc.expected)
			}
		})
	}
}

func TestSetupWithWriter_Levels(t *testing.T) {
	var buf bytes.Buffer

	logger := SetupWithWriter(LevelInfo, FormatText, &buf)
	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message should not be logged at INFO level")
	}

	logger.Info("info message")
	if buf.Len() == 0 {
		t.Error("Info message should be logged at INFO level")
	}
}

func TestSetupWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer

	logger := SetupWithWriter(LevelInfo, FormatJSON, &buf)
	logger.Info("visitor tracked", "device", "mobile")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "visitor tracked" {
		t.Errorf("msg = %v, want %q", entry["msg"], "visitor tracked")
	}
	if entry["device"] != "mobile" {
		t.Errorf("device = %v, want %q", entry["device"], "mobile")
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	SetupWithWriter(LevelInfo, FormatText, &buf)

	Component("recorder").Info("hello")
	if !strings.Contains(buf.String(), "component=recorder") {
		t.Errorf("expected component attribute, got %q", buf.String())
	}
}
