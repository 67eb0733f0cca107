package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "powsearch", "v1", "info", "json")

	logger.WithComponent("search").
		WithGeometry(256, 16).
		LogPass(2, 1<<32, 30*time.Second, 1.4e8, 1.3e8, false)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, buf.String())
	}

	checks := map[string]any{
		"service":   "powsearch",
		"version":   "v1",
		"component": "search",
		"msg":       "search pass completed",
		"block_dim": float64(256),
		"pass":      float64(2),
		"found":     false,
	}
	for key, want := range checks {
		if entry[key] != want {
			t.Errorf("entry[%q] = %v, want %v", key, entry[key], want)
		}
	}
}

func TestNewWithWriter_TextAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "powsearch", "dev", "warn", "text")

	logger.Info("hidden")
	logger.WithError(errors.New("device lost")).Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, "device lost") {
		t.Errorf("expected error field in %q", out)
	}
}

func TestWithErrorNil(t *testing.T) {
	logger := Discard()
	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}
}

func TestLogThroughputZeroDuration(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "s", "v", "info", "json")
	logger.LogThroughput("pass", 100, 0)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["throughput_ops_sec"] != float64(0) {
		t.Errorf("throughput_ops_sec = %v, want 0", entry["throughput_ops_sec"])
	}
}
