package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
	Setup("info", "console")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %q: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestJSONFields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Info("patched", "layer", 3, "p_correct", 0.5, "err", errors.New("boom"), "orphan")

	var got map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if got["message"] != "patched" {
		t.Errorf("expected message 'patched', got %v", got["message"])
	}
	if got["layer"] != float64(3) {
		t.Errorf("expected layer 3, got %v", got["layer"])
	}
	if got["err"] != "boom" {
		t.Errorf("expected err 'boom', got %v", got["err"])
	}
	if _, ok := got["orphan"]; ok {
		t.Error("orphan key without value should be dropped")
	}
}

func TestWithAddsContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json").With("request_id", "abc", 7, "seven")
	l.Warn("hello")

	out := buf.String()
	if !strings.Contains(out, `"request_id":"abc"`) {
		t.Errorf("missing request_id in %s", out)
	}
	if !strings.Contains(out, `"7":"seven"`) {
		t.Errorf("non-string key should be stringified: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Debug("filtered")
	l.Info("filtered")
	if buf.Len() != 0 {
		t.Errorf("expected no output below error level, got %q", buf.String())
	}
	l.Error("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("expected error message, got %q", buf.String())
	}
}
