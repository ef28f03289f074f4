package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/hub"
	"github.com/kstaniek/go-canreader/internal/link"
	"github.com/kstaniek/go-canreader/internal/metrics"
	"github.com/kstaniek/go-canreader/internal/reader"
	"github.com/kstaniek/go-canreader/internal/server"
	"github.com/kstaniek/go-canreader/internal/transmit"
)

const shutdownTimeout = 3 * time.Second

func main() {
	cfg, showVersion, err := parseFlags(os.Args[1:])
	if showVersion {
		fmt.Printf("can-reader %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	if err := run(cfg, l); err != nil {
		l.Error("exit_error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appConfig, l *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	specs := can.NewBusSpecs()
	if err := specs.SetSpeed(cfg.bitrate); err != nil {
		return err
	}
	be, err := newBackend(cfg, specs, l)
	if err != nil {
		return err
	}
	defer be.bus.Close()

	var h *hub.Hub
	var tap func(can.Frame)
	if cfg.listenAddr != "" {
		h = newHub(cfg, l)
		tap = h.Broadcast
	}
	svc := reader.New(be.bus,
		reader.WithLogger(l),
		reader.WithBusSpecs(specs),
		reader.WithWorkers(cfg.workers),
		reader.WithSpeedPeriod(cfg.speedPeriod),
		reader.WithWatcher(be.watcher),
		reader.WithFrameTap(tap),
	)
	defer svc.Close()
	configureJobs(svc, cfg, l)

	metrics.SetReadinessFunc(func() bool { return svc.ConnectionState() == link.Connected })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	g, gctx := errgroup.WithContext(ctx)
	att := newAttacher(svc, be.find, cfg.openAttempts, cfg.openDelay, l.With("component", "attach"))
	g.Go(func() error { return att.run(gctx) })
	if h != nil {
		bridge := server.New(
			server.WithListenAddr(cfg.listenAddr),
			server.WithHub(h),
			server.WithSend(svc.Send),
			server.WithLogger(l.With("component", "bridge")),
			server.WithMaxClients(cfg.maxClients),
			server.WithHandshakeTimeout(cfg.handshakeTO),
			server.WithReadDeadline(cfg.clientReadTO),
		)
		g.Go(func() error { return bridge.Serve(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return bridge.Shutdown(sctx)
		})
		if cfg.mdnsEnable {
			g.Go(func() error { return advertise(gctx, cfg, bridge, l) })
		}
	}
	if cfg.logMetricsEvery > 0 {
		g.Go(func() error { return runMetricsLogger(gctx, cfg.logMetricsEvery, l) })
	}
	if cfg.monitorEvery > 0 {
		g.Go(func() error { return runMonitorPrinter(gctx, os.Stdout, svc, cfg.monitorEvery) })
	}

	err = g.Wait()
	l.Info("shutdown", "sent", svc.Sent(), "received", svc.Received())
	return err
}

func newHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	policy := hub.PolicyDrop
	if cfg.hubPolicy == "kick" {
		policy = hub.PolicyKick
	}
	l.Info("hub_config", "policy", cfg.hubPolicy, "buffer", cfg.hubBuffer)
	return hub.New(
		hub.WithPolicy(policy),
		hub.WithClientBuffer(cfg.hubBuffer),
		hub.WithLogger(l.With("component", "hub")),
	)
}

// configureJobs adds the -tx jobs. On every connect periodic jobs are
// started when -tx-start is set and one-shot jobs are sent once.
func configureJobs(svc *reader.Service, cfg *appConfig, l *slog.Logger) {
	var once []*transmit.Job
	for _, spec := range cfg.txJobs {
		j := spec.job()
		svc.AddTransmit(j)
		if !j.Periodic() {
			once = append(once, j)
		}
		l.Info("transmit_job", "job", j.String())
	}
	if len(cfg.txJobs) == 0 {
		return
	}
	svc.AddConnectionListener(reader.ConnectionFunc(func(st link.State) {
		if st != link.Connected {
			return
		}
		if cfg.txStart {
			svc.StartAllTransmits()
		}
		for _, j := range once {
			_ = svc.Transmit(j) // failures reach the error path
		}
	}))
}

// advertise registers the bridge over mDNS once it listens and withdraws it
// on shutdown. Registration failure is logged, not fatal.
func advertise(ctx context.Context, cfg *appConfig, bridge *server.Server, l *slog.Logger) error {
	select {
	case <-bridge.Ready():
	case <-ctx.Done():
		return nil
	}
	_, p, err := net.SplitHostPort(bridge.Addr())
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return nil
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return nil
	}
	shutdown, err := startMDNS(cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return nil
	}
	l.Info("mdns_started", "service", mdnsServiceType, "port", port)
	<-ctx.Done()
	shutdown()
	return nil
}
