package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/hotplug"
	"github.com/kstaniek/go-canreader/internal/link"
	"github.com/kstaniek/go-canreader/internal/slcan"
	"github.com/kstaniek/go-canreader/internal/socketcan"
	"github.com/kstaniek/go-canreader/internal/transport"
)

// backend is the selected adapter type: its transport, its removal watcher
// and how to locate the adapter.
type backend struct {
	bus     *transport.Bus
	watcher link.Watcher
	find    func() (link.Adapter, error)
}

func newBackend(cfg *appConfig, specs *can.BusSpecs, l *slog.Logger) (*backend, error) {
	opts := []transport.Option{
		transport.WithLogger(l.With("component", "transport", "backend", cfg.backend)),
		transport.WithTxQueue(cfg.txQueue),
	}
	hl := l.With("component", "hotplug")
	switch cfg.backend {
	case slcan.Backend:
		d := slcan.Dialer{Baud: cfg.baud, ReadTimeout: cfg.serialReadTO}
		return &backend{
			bus:     transport.NewBus(slcan.Backend, d.Dial, specs, opts...),
			watcher: hotplug.NewPoller(cfg.pollInterval, hl),
			find:    func() (link.Adapter, error) { return findSerial(cfg.serialDev) },
		}, nil
	case socketcan.Backend:
		return &backend{
			bus:     transport.NewBus(socketcan.Backend, socketcan.Dial, specs, opts...),
			watcher: hotplug.NewLinkWatcher(hl),
			find:    func() (link.Adapter, error) { return findInterface(cfg.canIf) },
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use slcan|socketcan)", cfg.backend)
	}
}

// findSerial resolves dev (or "auto") to an adapter identified by its USB
// VID:PID:serial when the enumerator knows the port.
func findSerial(dev string) (link.Adapter, error) {
	if dev == "auto" {
		p, err := hotplug.FindUSB()
		if err != nil {
			return nil, err
		}
		return slcan.Adapter{Path: p.Path, ID: p.ID}, nil
	}
	if p, ok := hotplug.Lookup(dev); ok {
		return slcan.Adapter{Path: dev, ID: p.ID}, nil
	}
	if _, err := os.Stat(dev); err != nil {
		return nil, err
	}
	return slcan.Adapter{Path: dev}, nil
}

var interfaceByName = net.InterfaceByName

func findInterface(name string) (link.Adapter, error) {
	if _, err := interfaceByName(name); err != nil {
		return nil, fmt.Errorf("can interface %s: %w", name, err)
	}
	return socketcan.Adapter{Iface: name}, nil
}
