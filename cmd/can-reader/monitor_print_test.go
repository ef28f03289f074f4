package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/monitor"
)

func TestPrintMonitor(t *testing.T) {
	entries := []monitor.Entry{
		{Frame: can.MustFrame(0x123, []byte{0x01, 0xAB}, false), Count: 7, Period: 10 * time.Millisecond},
		{Frame: can.MustFrame(0x1ABCDEF0, nil, true), Count: 1},
	}
	var buf bytes.Buffer
	if err := printMonitor(&buf, entries, 12.5, 200); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	for i, want := range [][]string{
		{"ID", "COUNT", "PERIOD"},
		{"123", "01 AB", "7", "10ms"},
		{"1ABCDEF0", "1", "-"},
		{"tx 12.5 fps", "rx 200.0 fps"},
	} {
		for _, w := range want {
			if !strings.Contains(lines[i], w) {
				t.Fatalf("line %d %q missing %q", i, lines[i], w)
			}
		}
	}
}
