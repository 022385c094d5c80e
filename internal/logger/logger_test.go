package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestPrettyHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelWarn)

	log.Info("hidden")
	log.Warn("shown", "peer", "abc")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected info to be filtered, got %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "peer") || !strings.Contains(out, "abc") {
		t.Errorf("Expected warn line with attrs, got %q", out)
	}
}

func TestPrettyHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelDebug).With("conn", "c-1")

	log.Debug("chunk buffered", "index", 2)

	out := buf.String()
	if !strings.Contains(out, "conn") || !strings.Contains(out, "c-1") {
		t.Errorf("Expected logger attrs in output, got %q", out)
	}
	if !strings.Contains(out, "index") {
		t.Errorf("Expected record attrs in output, got %q", out)
	}
}

func TestPrettyHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelInfo).WithGroup("relay")

	log.Info("started", "addr", ":8080")

	if !strings.Contains(buf.String(), "relay.addr") {
		t.Errorf("Expected grouped key, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewClientLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewClientLoggerTo(&buf, "debug")

	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("Expected debug level, got %s", log.GetLevel())
	}

	log.Debug("dialing relay")
	if !strings.Contains(buf.String(), "dialing relay") {
		t.Errorf("Expected message in output, got %q", buf.String())
	}

	if NewClientLoggerTo(&buf, "nonsense").GetLevel() != logrus.InfoLevel {
		t.Error("Expected fallback to info")
	}
}
