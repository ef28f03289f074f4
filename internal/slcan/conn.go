package slcan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/link"
	"github.com/kstaniek/go-canreader/internal/metrics"
	"github.com/kstaniek/go-canreader/internal/transport"
)

const (
	Backend = "slcan"

	readBufSize = 4096
	// the accumulator is reallocated once drained if it grew beyond this
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond
)

// ErrAdapterType is returned when the transport is handed a foreign adapter.
var ErrAdapterType = errors.New("slcan: not a serial adapter")

// Adapter is a serial line with an SLCAN device behind it.
type Adapter struct {
	Path string
	// ID is matched against device-detached signals; Path when empty.
	ID string
}

func (a Adapter) DeviceID() string {
	if a.ID != "" {
		return a.ID
	}
	return a.Path
}

func (a Adapter) String() string { return Backend + ":" + a.Path }

// openPort is a hook for tests.
var openPort = OpenPort

// Dialer opens SLCAN connections.
type Dialer struct {
	Baud        int
	ReadTimeout time.Duration
}

// Dial opens the adapter's port, programs the bitrate from specs and opens the
// CAN channel.
func (d Dialer) Dial(_ context.Context, a link.Adapter, specs *can.BusSpecs) (transport.Conn, error) {
	sa, ok := a.(Adapter)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrAdapterType, a)
	}
	bitrate, err := BitrateCommand(specs.Speed())
	if err != nil {
		return nil, err
	}
	p, err := openPort(sa.Path, d.Baud, d.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("open serial: %w", err)
	}
	c := &Conn{port: p}
	// close a channel left open by a previous session before reprogramming
	for _, cmd := range [][]byte{cmdClose, bitrate, cmdOpen} {
		if err := c.write(cmd); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("slcan setup %q: %w", bytes.TrimSpace(cmd), err)
		}
	}
	return c, nil
}

// Conn is an open SLCAN channel.
type Conn struct {
	port  Port
	codec Codec
	wmu   sync.Mutex
}

func (c *Conn) write(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.port.Write(b)
	return err
}

func (c *Conn) WriteFrame(f can.Frame) error { return c.write(c.codec.Encode(f)) }

// Close closes the CAN channel and the port.
func (c *Conn) Close() error {
	_ = c.write(cmdClose)
	return c.port.Close()
}

// ReadFrames runs the receive loop. A path error means the device node is
// gone and ends the loop; other read errors are retried with backoff.
func (c *Conn) ReadFrames(ctx context.Context, emit func(can.Frame), warn func(error)) error {
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	bo := transport.Backoff{Min: rxBackoffMin, Max: rxBackoffMax}
	onBell := func() { warn(ErrBell) }
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := c.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			c.codec.DecodeStream(acc, emit, onBell)
			if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
				acc = bytes.NewBuffer(nil)
			}
			bo.Reset()
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var perr *os.PathError
		if errors.As(err, &perr) {
			return err
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			continue // read timeout on an idle line
		}
		metrics.IncError(metrics.ErrRead)
		warn(fmt.Errorf("serial read: %w", err))
		bo.Wait()
	}
}
