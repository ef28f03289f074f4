package main

import (
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
)

func TestConfigValidate_OK(t *testing.T) {
	c := defaultConfig()
	if err := c.validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	c.backend = "socketcan"
	c.serialDev = ""
	if err := c.validate(); err != nil {
		t.Fatalf("socketcan: %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "serial" }},
		{"noSerial", func(c *appConfig) { c.serialDev = "" }},
		{"noIface", func(c *appConfig) { c.backend = "socketcan"; c.canIf = "" }},
		{"badBitrate", func(c *appConfig) { c.bitrate = 33333 }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badAttempts", func(c *appConfig) { c.openAttempts = 0 }},
		{"badWorkers", func(c *appConfig) { c.workers = 0 }},
		{"badQueue", func(c *appConfig) { c.txQueue = -1 }},
		{"badSpeedPeriod", func(c *appConfig) { c.speedPeriod = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
	}
	for _, tc := range tests {
		c := defaultConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	c := defaultConfig()
	c.bitrate = 1
	if err := c.validate(); !errors.Is(err, can.ErrUnsupportedSpeed) {
		t.Fatalf("bitrate err=%v", err)
	}
}

func TestApplyEnvOverrides_Basic(t *testing.T) {
	t.Setenv("CAN_READER_BAUD", "230400")
	t.Setenv("CAN_READER_MDNS_ENABLE", "yes")
	t.Setenv("CAN_READER_SERIAL_READ_TIMEOUT", "100ms")
	t.Setenv("CAN_READER_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("CAN_READER_OPEN_ATTEMPTS", "3")
	t.Setenv("CAN_READER_TX", "123#0102@100ms, 1ABCDEF0#")
	t.Setenv("CAN_READER_CAN_IF", "vcan0")

	c := defaultConfig()
	if err := applyEnvOverrides(c, map[string]struct{}{}); err != nil {
		t.Fatal(err)
	}
	if c.baud != 230400 || !c.mdnsEnable || c.serialReadTO != 100*time.Millisecond {
		t.Fatalf("baud=%d mdns=%v readTO=%v", c.baud, c.mdnsEnable, c.serialReadTO)
	}
	if c.logMetricsEvery != 5*time.Second || c.openAttempts != 3 || c.canIf != "vcan0" {
		t.Fatalf("interval=%v attempts=%d iface=%s", c.logMetricsEvery, c.openAttempts, c.canIf)
	}
	if len(c.txJobs) != 2 || c.txJobs[0].period != 100*time.Millisecond || !c.txJobs[1].frame.Extended() {
		t.Fatalf("tx %v", c.txJobs.String())
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	t.Setenv("CAN_READER_BAUD", "230400")
	c := defaultConfig()
	if err := applyEnvOverrides(c, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatal(err)
	}
	if c.baud != 115200 {
		t.Fatalf("env overrode explicit flag: %d", c.baud)
	}
}

func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	t.Setenv("CAN_READER_BAUD", "fast")
	t.Setenv("CAN_READER_HANDSHAKE_TIMEOUT", "soon")
	t.Setenv("CAN_READER_LISTEN", ":30000")
	c := defaultConfig()
	err := applyEnvOverrides(c, map[string]struct{}{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if c.listenAddr != ":30000" {
		t.Fatalf("valid override not applied alongside an invalid one")
	}
	if c.baud != 115200 || c.handshakeTO != 3*time.Second {
		t.Fatalf("invalid values applied")
	}
}

func TestParseFlags(t *testing.T) {
	t.Setenv("CAN_READER_BITRATE", "250000")
	cfg, showVersion, err := parseFlags([]string{
		"-backend", "socketcan", "-can-if", "vcan1",
		"-tx", "100#01@10ms", "-tx", "7FF#", "-tx-start",
		"-listen", "",
	})
	if err != nil || showVersion {
		t.Fatalf("err=%v version=%v", err, showVersion)
	}
	if cfg.backend != "socketcan" || cfg.canIf != "vcan1" || cfg.bitrate != 250000 {
		t.Fatalf("cfg %+v", cfg)
	}
	if len(cfg.txJobs) != 2 || !cfg.txStart || cfg.listenAddr != "" {
		t.Fatalf("jobs=%d start=%v listen=%q", len(cfg.txJobs), cfg.txStart, cfg.listenAddr)
	}
	if _, _, err := parseFlags([]string{"-tx", "nohash"}); err == nil {
		t.Fatalf("bad -tx accepted")
	}
	if _, _, err := parseFlags([]string{"-bitrate", "12345"}); err == nil {
		t.Fatalf("bad bitrate accepted")
	}
	if _, v, _ := parseFlags([]string{"-version"}); !v {
		t.Fatalf("version flag not reported")
	}
}
