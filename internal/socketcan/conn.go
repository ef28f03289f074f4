// Package socketcan drives Linux CAN network interfaces through raw sockets.
// Bitrate and link state are configured on the interface itself (ip link);
// the bus speed is only logged.
package socketcan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/link"
	"github.com/kstaniek/go-canreader/internal/metrics"
	"github.com/kstaniek/go-canreader/internal/transport"
)

const (
	Backend = "socketcan"

	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

var (
	ErrAdapterType = errors.New("socketcan: not a CAN interface adapter")
	// ErrTimeout is a read that returned no frame before the socket timeout.
	ErrTimeout = errors.New("socketcan: read timeout")
	// ErrRemote is a remote transmission request, which carries no payload.
	ErrRemote = errors.New("socketcan: remote frame")
	// ErrBusError is an error frame reported by the controller.
	ErrBusError = errors.New("socketcan: bus error frame")
)

// Dev is the device surface used by Conn; *Device in production, fakes in tests.
type Dev interface {
	ReadFrame() (can.Frame, error)
	WriteFrame(can.Frame) error
	Close() error
}

// Adapter is a CAN network interface such as can0.
type Adapter struct {
	Iface string
}

// DeviceID is the interface name; netlink removal events carry the same name.
func (a Adapter) DeviceID() string { return a.Iface }
func (a Adapter) String() string   { return Backend + ":" + a.Iface }

// open is a hook for tests.
var open = openDevice

// Dial implements transport.Dialer.
func Dial(_ context.Context, a link.Adapter, _ *can.BusSpecs) (transport.Conn, error) {
	sa, ok := a.(Adapter)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrAdapterType, a)
	}
	dev, err := open(sa.Iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan open %s: %w", sa.Iface, err)
	}
	return &Conn{dev: dev}, nil
}

// Conn is an open interface.
type Conn struct {
	dev Dev
}

func (c *Conn) WriteFrame(f can.Frame) error { return c.dev.WriteFrame(f) }
func (c *Conn) Close() error                 { return c.dev.Close() }

// ReadFrames runs the receive loop until ctx is done or the interface goes away.
func (c *Conn) ReadFrames(ctx context.Context, emit func(can.Frame), warn func(error)) error {
	bo := transport.Backoff{Min: rxBackoffMin, Max: rxBackoffMax}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fr, err := c.dev.ReadFrame()
		switch {
		case err == nil:
			emit(fr)
			bo.Reset()
		case errors.Is(err, ErrTimeout), errors.Is(err, ErrRemote):
		case errors.Is(err, ErrBusError):
			warn(err)
		case ctx.Err() != nil:
			return ctx.Err()
		case fatal(err):
			return err
		default:
			metrics.IncError(metrics.ErrRead)
			warn(fmt.Errorf("socketcan read: %w", err))
			bo.Wait()
		}
	}
}
