package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentTagsRecords(t *testing.T) {
	prev := L()
	defer Set(prev)
	var buf bytes.Buffer
	Set(New("text", slog.LevelDebug, &buf))
	Component("transmit").Info("job_started", "id", "0x100")
	out := buf.String()
	if !strings.Contains(out, "component=transmit") || !strings.Contains(out, "job_started") {
		t.Fatalf("unexpected log line %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestSetIgnoresNil(t *testing.T) {
	prev := L()
	Set(nil)
	if L() != prev {
		t.Fatalf("Set(nil) replaced logger")
	}
}
