package main

import (
	"testing"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
)

func TestParseTxSpec(t *testing.T) {
	cases := []struct {
		in     string
		frame  can.Frame
		period time.Duration
	}{
		{"123#0102@100ms", can.MustFrame(0x123, []byte{1, 2}, false), 100 * time.Millisecond},
		{"7FF#", can.MustFrame(0x7FF, nil, false), 0},
		{"1#DE.AD.BE.EF@1s", can.MustFrame(0x1, []byte{0xDE, 0xAD, 0xBE, 0xEF}, false), time.Second},
		{"00000123#11", can.MustFrame(0x123, []byte{0x11}, true), 0},
		{" 1ABCDEF0#0001020304050607@5ms ", can.MustFrame(0x1ABCDEF0, []byte{0, 1, 2, 3, 4, 5, 6, 7}, true), 5 * time.Millisecond},
	}
	for _, tc := range cases {
		got, err := parseTxSpec(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if !got.frame.Equal(tc.frame) || got.period != tc.period {
			t.Fatalf("%q: got %v@%v", tc.in, got.frame, got.period)
		}
		if j := got.job(); j.Periodic() != (tc.period > 0) {
			t.Fatalf("%q: periodic=%v", tc.in, j.Periodic())
		}
	}
}

func TestParseTxSpec_Errors(t *testing.T) {
	for _, in := range []string{
		"123",
		"12345#01",
		"800#01",
		"XYZ#01",
		"123#0",
		"123#010203040506070809",
		"123#01@",
		"123#01@-5ms",
		"123#01@0s",
	} {
		if _, err := parseTxSpec(in); err == nil {
			t.Fatalf("%q accepted", in)
		}
	}
}

func TestTxList(t *testing.T) {
	var l txList
	if err := l.Set("100#01@10ms,,200#"); err != nil {
		t.Fatal(err)
	}
	if err := l.Set("300#FF"); err != nil {
		t.Fatal(err)
	}
	if got := l.String(); got != "100#01@10ms,200#,300#FF" {
		t.Fatalf("String() = %q", got)
	}
}
