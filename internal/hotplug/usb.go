// Package hotplug produces device-detached signals for bound adapters.
package hotplug

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/kstaniek/go-canreader/internal/logging"
)

// ErrNoUSBPort is returned by FindUSB when no USB serial adapter is present.
var ErrNoUSBPort = errors.New("no USB serial port found")

// Port is a serial port and the identity used to match removals.
type Port struct {
	Path string
	// ID is VID:PID:serial for USB ports and the path otherwise.
	ID      string
	Product string
	IsUSB   bool
}

// listPorts is a hook for tests.
var listPorts = enumerator.GetDetailedPortsList

// Ports lists the serial ports currently present.
func Ports() ([]Port, error) {
	details, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	out := make([]Port, 0, len(details))
	for _, d := range details {
		p := Port{Path: d.Name, ID: d.Name, Product: d.Product, IsUSB: d.IsUSB}
		if d.IsUSB {
			p.ID = fmt.Sprintf("%s:%s:%s", d.VID, d.PID, d.SerialNumber)
		}
		out = append(out, p)
	}
	return out, nil
}

// FindUSB returns the first USB serial port.
func FindUSB() (Port, error) {
	ports, err := Ports()
	if err != nil {
		return Port{}, err
	}
	for _, p := range ports {
		if p.IsUSB {
			return p, nil
		}
	}
	return Port{}, ErrNoUSBPort
}

// Lookup returns the port at path.
func Lookup(path string) (Port, bool) {
	ports, err := Ports()
	if err != nil {
		return Port{}, false
	}
	i := slices.IndexFunc(ports, func(p Port) bool { return p.Path == path })
	if i < 0 {
		return Port{}, false
	}
	return ports[i], true
}

const DefaultPollInterval = time.Second

// Poller watches serial ports by polling the port list. A watched id that
// disappears from the list is reported as detached; ids never listed (ptys,
// ports the enumerator cannot see) are not reported.
type Poller struct {
	interval time.Duration
	logger   *slog.Logger
}

func NewPoller(interval time.Duration, l *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if l == nil {
		l = logging.Component("hotplug")
	}
	return &Poller{interval: interval, logger: l}
}

// Watch implements link.Watcher. The returned stop waits for an in-flight
// poll to finish.
func (p *Poller) Watch(id string, detached func(string)) func() {
	w := newWatch()
	go func() {
		defer w.exit()
		t := time.NewTicker(p.interval)
		defer t.Stop()
		seen := false
		for {
			select {
			case <-w.done:
				return
			case <-t.C:
			}
			ports, err := Ports()
			if err != nil {
				p.logger.Debug("hotplug_poll_error", "error", err)
				continue
			}
			present := slices.ContainsFunc(ports, func(pt Port) bool { return pt.ID == id })
			if present {
				seen = true
				continue
			}
			if seen {
				if w.commit() {
					p.logger.Info("device_removed", "device", id)
					detached(id)
				}
				return
			}
		}
	}()
	return w.stop
}
