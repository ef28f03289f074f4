// Package transport implements link.Transport on top of a backend specific
// connection: it owns the connection state, the RX goroutine, the TX fan-in
// writer and the asynchronous disconnect.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/link"
	"github.com/kstaniek/go-canreader/internal/logging"
	"github.com/kstaniek/go-canreader/internal/metrics"
)

var (
	ErrNoAdapter    = errors.New("no adapter bound")
	ErrNotConnected = errors.New("not connected")
	ErrBusy         = errors.New("transition in progress")
	ErrTxOverflow   = errors.New("tx overflow")
)

const DefaultTxQueue = 1024

// Conn is an open adapter connection.
type Conn interface {
	// ReadFrames delivers frames to emit until ctx is done or the connection
	// fails permanently. Non-fatal problems (adapter error replies, retried
	// read errors) go to warn.
	ReadFrames(ctx context.Context, emit func(can.Frame), warn func(error)) error
	WriteFrame(can.Frame) error
	Close() error
}

// Dialer opens a connection to adapter a using the bus parameters in specs.
type Dialer func(ctx context.Context, a link.Adapter, specs *can.BusSpecs) (Conn, error)

// Bus is a link.Transport driving Conns produced by a Dialer.
type Bus struct {
	backend string
	dial    Dialer
	specs   *can.BusSpecs
	txQueue int
	logger  *slog.Logger

	op sync.Mutex // serializes Connect and teardown

	mu      sync.Mutex
	h       link.Handler
	adapter link.Adapter
	state   link.State
	conn    Conn
	tx      *AsyncTx
	cancel  context.CancelFunc
	rxDone  chan struct{}
}

type Option func(*Bus)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithTxQueue sizes the TX buffer.
func WithTxQueue(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.txQueue = n
		}
	}
}

// NewBus creates a transport. backend labels metrics and logs.
func NewBus(backend string, dial Dialer, specs *can.BusSpecs, opts ...Option) *Bus {
	if specs == nil {
		specs = can.NewBusSpecs()
	}
	b := &Bus{
		backend: backend,
		dial:    dial,
		specs:   specs,
		txQueue: DefaultTxQueue,
		logger:  logging.Component(backend),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bus) SetHandler(h link.Handler) { b.mu.Lock(); b.h = h; b.mu.Unlock() }

// SetAdapter binds a; only allowed while disconnected.
func (b *Bus) SetAdapter(a link.Adapter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != link.Disconnected {
		return ErrBusy
	}
	b.adapter = a
	return nil
}

func (b *Bus) State() link.State { b.mu.Lock(); defer b.mu.Unlock(); return b.state }

// Connect opens the bound adapter and starts reading.
func (b *Bus) Connect() error {
	b.op.Lock()
	defer b.op.Unlock()

	b.mu.Lock()
	a := b.adapter
	st := b.state
	b.mu.Unlock()
	if a == nil {
		return ErrNoAdapter
	}
	if st != link.Disconnected {
		return ErrBusy
	}

	b.setState(link.Connecting)
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := b.dial(ctx, a, b.specs)
	if err != nil {
		cancel()
		b.setState(link.Disconnected)
		return fmt.Errorf("open %s: %w", a, err)
	}
	tx := NewAsyncTx(ctx, b.txQueue, conn.WriteFrame, Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSend)
			b.logger.Error("write_error", "error", err)
			b.report(err)
		},
		OnAfter: func() { metrics.IncBackendTx(b.backend) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrTxOverflow)
			return ErrTxOverflow
		},
	})
	done := make(chan struct{})

	b.mu.Lock()
	b.conn, b.tx, b.cancel, b.rxDone = conn, tx, cancel, done
	b.mu.Unlock()

	go b.rx(ctx, conn, done)
	b.logger.Info("open", "adapter", a.String(), "bitrate", b.specs.Speed())
	b.setState(link.Connected)
	return nil
}

// Disconnect tears the connection down on a new goroutine and then calls
// onComplete. It confirms immediately when already disconnected.
func (b *Bus) Disconnect(onComplete func()) error {
	go func() {
		b.teardown()
		if onComplete != nil {
			onComplete()
		}
	}()
	return nil
}

// Send queues f on the open connection.
func (b *Bus) Send(f can.Frame) error {
	b.mu.Lock()
	tx := b.tx
	b.mu.Unlock()
	if tx == nil {
		return ErrNotConnected
	}
	return tx.Send(f)
}

// Close tears the connection down synchronously.
func (b *Bus) Close() { b.teardown() }

func (b *Bus) teardown() {
	b.op.Lock()
	defer b.op.Unlock()

	b.mu.Lock()
	conn, tx, cancel, done := b.conn, b.tx, b.cancel, b.rxDone
	b.conn, b.tx, b.cancel, b.rxDone = nil, nil, nil, nil
	b.mu.Unlock()
	if conn == nil {
		return
	}
	b.setState(link.Disconnecting)
	cancel()
	if n := tx.Close(); n > 0 {
		b.logger.Warn("tx_discarded", "frames", n)
	}
	if err := conn.Close(); err != nil {
		b.logger.Warn("close_error", "error", err)
	}
	<-done
	b.logger.Info("closed")
	b.setState(link.Disconnected)
}

func (b *Bus) rx(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)
	err := conn.ReadFrames(ctx, func(f can.Frame) {
		metrics.IncBackendRx(b.backend)
		b.mu.Lock()
		h := b.h
		b.mu.Unlock()
		if h != nil {
			h.FrameReceived(f)
		}
	}, func(err error) {
		b.logger.Warn("rx_warning", "error", err)
		b.report(fmt.Errorf("%w: %v", link.ErrTransport, err))
	})
	if ctx.Err() != nil {
		return
	}
	// The connection died under us: surface it and tear down.
	if err == nil {
		err = errors.New("connection closed")
	}
	metrics.IncError(metrics.ErrRead)
	b.logger.Error("rx_end", "error", err)
	b.report(fmt.Errorf("%w: read: %v", link.ErrTransport, err))
	go b.teardown()
}

func (b *Bus) setState(s link.State) {
	b.mu.Lock()
	if b.state == s {
		b.mu.Unlock()
		return
	}
	b.state = s
	h := b.h
	b.mu.Unlock()
	if h != nil {
		h.ConnectionStateChanged(s)
	}
}

func (b *Bus) report(err error) {
	b.mu.Lock()
	h := b.h
	b.mu.Unlock()
	if h != nil {
		h.Error(err)
	}
}

// Backoff is the capped exponential delay used between transient read errors.
type Backoff struct {
	Min, Max time.Duration
	cur      time.Duration
}

// Sleep is replaced in tests.
var Sleep = time.Sleep

// Wait sleeps for the current delay and doubles it.
func (b *Backoff) Wait() time.Duration {
	if b.cur < b.Min {
		b.cur = b.Min
	}
	d := b.cur
	Sleep(d)
	b.cur *= 2
	if b.cur > b.Max {
		b.cur = b.Max
	}
	return d
}

// Reset returns to the minimum delay.
func (b *Backoff) Reset() { b.cur = b.Min }
