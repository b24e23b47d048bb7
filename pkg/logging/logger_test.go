package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewComponentLogger(NewLogger(&buf, slog.LevelInfo, "text"), "session").Info("session_connected")
	if !strings.Contains(buf.String(), "component=session") {
		t.Fatalf("expected text output, got %s", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, slog.LevelInfo, "json").Debug("hidden")
	NewLogger(&buf, slog.LevelInfo, "json").Info("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected json output: %s", out)
	}
}
