package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/hotplug"
	"github.com/kstaniek/go-canreader/internal/slcan"
	"github.com/kstaniek/go-canreader/internal/socketcan"
	"github.com/kstaniek/go-canreader/internal/speed"
	"github.com/kstaniek/go-canreader/internal/transport"
)

const envPrefix = "CAN_READER_"

type appConfig struct {
	backend      string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	canIf        string
	bitrate      int
	pollInterval time.Duration
	openAttempts uint
	openDelay    time.Duration

	txJobs      txList
	txStart     bool
	workers     int
	txQueue     int
	speedPeriod time.Duration

	monitorEvery    time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration

	listenAddr   string
	hubBuffer    int
	hubPolicy    string
	maxClients   int
	handshakeTO  time.Duration
	clientReadTO time.Duration
	mdnsEnable   bool
	mdnsName     string
}

func defaultConfig() *appConfig {
	return &appConfig{
		backend:      slcan.Backend,
		serialDev:    "auto",
		baud:         115200,
		serialReadTO: 50 * time.Millisecond,
		canIf:        "can0",
		bitrate:      can.DefaultSpeed,
		pollInterval: hotplug.DefaultPollInterval,
		openAttempts: 10,
		openDelay:    time.Second,
		workers:      4,
		txQueue:      transport.DefaultTxQueue,
		speedPeriod:  speed.DefaultPeriod,
		logFormat:    "text",
		logLevel:     "info",
		listenAddr:   ":20000",
		hubBuffer:    512,
		hubPolicy:    "drop",
		handshakeTO:  3 * time.Second,
		clientReadTO: 60 * time.Second,
	}
}

// parseFlags parses args into a config. Explicit flags take precedence over
// CAN_READER_* variables.
func parseFlags(args []string) (*appConfig, bool, error) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("can-reader", flag.ContinueOnError)
	fs.StringVar(&cfg.backend, "backend", cfg.backend, "CAN backend: slcan|socketcan")
	fs.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "SLCAN serial device, or auto for the first USB serial port")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout")
	fs.StringVar(&cfg.canIf, "can-if", cfg.canIf, "SocketCAN interface (when -backend=socketcan)")
	fs.IntVar(&cfg.bitrate, "bitrate", cfg.bitrate, "CAN bus speed in bit/s")
	fs.DurationVar(&cfg.pollInterval, "hotplug-interval", cfg.pollInterval, "USB adapter removal poll interval")
	fs.UintVar(&cfg.openAttempts, "open-attempts", cfg.openAttempts, "Attempts to open the adapter before giving up")
	fs.DurationVar(&cfg.openDelay, "open-delay", cfg.openDelay, "Delay between adapter open attempts")
	fs.Var(&cfg.txJobs, "tx", "Transmit job ID#DATA[@PERIOD], repeatable (e.g. 123#0102@100ms)")
	fs.BoolVar(&cfg.txStart, "tx-start", cfg.txStart, "Start periodic transmit jobs on connect")
	fs.IntVar(&cfg.workers, "tx-workers", cfg.workers, "Concurrent periodic sends")
	fs.IntVar(&cfg.txQueue, "tx-queue", cfg.txQueue, "Adapter write queue (frames)")
	fs.DurationVar(&cfg.speedPeriod, "speed-period", cfg.speedPeriod, "Frame rate sampling period")
	fs.DurationVar(&cfg.monitorEvery, "monitor-interval", 0, "If >0, periodically print the monitor table to stdout")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "Cannelloni bridge TCP listen address; empty disables the bridge")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", cfg.hubBuffer, "Per-client bridge buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", cfg.hubPolicy, "Bridge backpressure policy: drop|kick")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous bridge clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", cfg.handshakeTO, "Bridge client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Bridge per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the bridge over mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default can-reader-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, *showVersion, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, *showVersion, nil
}

// validate checks values and ranges only; it opens nothing.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case slcan.Backend:
		if c.serialDev == "" {
			return errors.New("serial device required for slcan backend")
		}
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return errors.New("serial-read-timeout must be > 0")
		}
	case socketcan.Backend:
		if c.canIf == "" {
			return errors.New("can-if required for socketcan backend")
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if !slices.Contains(can.Speeds, c.bitrate) {
		return fmt.Errorf("%w: %d", can.ErrUnsupportedSpeed, c.bitrate)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.openAttempts == 0 {
		return errors.New("open-attempts must be > 0")
	}
	if c.workers <= 0 {
		return fmt.Errorf("tx-workers must be > 0 (got %d)", c.workers)
	}
	if c.txQueue <= 0 {
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.txQueue)
	}
	if c.speedPeriod <= 0 || c.pollInterval <= 0 {
		return errors.New("speed-period and hotplug-interval must be > 0")
	}
	if c.handshakeTO <= 0 || c.clientReadTO <= 0 {
		return errors.New("handshake-timeout and client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps CAN_READER_* variables onto fields whose flag was
// not set explicitly. Empty values are ignored; the first malformed value is
// returned after all others have been applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	note := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
	}
	lookup := func(flagName string) (string, string, bool) {
		if _, ok := set[flagName]; ok {
			return "", "", false
		}
		key := strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
		v := strings.TrimSpace(os.Getenv(envPrefix + key))
		return key, v, v != ""
	}
	str := func(flagName string, dst *string) {
		if _, v, ok := lookup(flagName); ok {
			*dst = v
		}
	}
	integer := func(flagName string, dst *int) {
		if key, v, ok := lookup(flagName); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				note(key, err)
				return
			}
			*dst = n
		}
	}
	dur := func(flagName string, dst *time.Duration) {
		if key, v, ok := lookup(flagName); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				note(key, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(flagName string, dst *bool) {
		if key, v, ok := lookup(flagName); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				note(key, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("backend", &c.backend)
	str("serial", &c.serialDev)
	integer("baud", &c.baud)
	dur("serial-read-timeout", &c.serialReadTO)
	str("can-if", &c.canIf)
	integer("bitrate", &c.bitrate)
	dur("hotplug-interval", &c.pollInterval)
	if key, v, ok := lookup("open-attempts"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err != nil {
			note(key, err)
		} else {
			c.openAttempts = uint(n)
		}
	}
	dur("open-delay", &c.openDelay)
	if key, v, ok := lookup("tx"); ok {
		var jobs txList
		if err := jobs.Set(v); err != nil {
			note(key, err)
		} else {
			c.txJobs = jobs
		}
	}
	boolean("tx-start", &c.txStart)
	integer("tx-workers", &c.workers)
	integer("tx-queue", &c.txQueue)
	dur("speed-period", &c.speedPeriod)
	dur("monitor-interval", &c.monitorEvery)
	str("log-format", &c.logFormat)
	str("log-level", &c.logLevel)
	str("metrics-addr", &c.metricsAddr)
	dur("log-metrics-interval", &c.logMetricsEvery)
	str("listen", &c.listenAddr)
	integer("hub-buffer", &c.hubBuffer)
	str("hub-policy", &c.hubPolicy)
	integer("max-clients", &c.maxClients)
	dur("handshake-timeout", &c.handshakeTO)
	dur("client-read-timeout", &c.clientReadTO)
	boolean("mdns-enable", &c.mdnsEnable)
	str("mdns-name", &c.mdnsName)
	return firstErr
}
