package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canreader/internal/can"
)

// ErrAsyncTxClosed is returned by Send after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// AsyncTx funnels frame writes for one adapter connection through a single
// goroutine. Send never blocks: when the buffer is full the OnDrop hook
// decides the returned error.
//
//	a := NewAsyncTx(ctx, buf, conn.WriteFrame, hooks)
//	a.Send(frame)
//	a.Close()
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	write  func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior per backend.
type Hooks struct {
	// OnError is called when write fails (frame not sent).
	OnError func(error)
	// OnAfter is called after a successful write.
	OnAfter func()
	// OnDrop is called when the buffer is full; its error is returned from
	// Send. A nil OnDrop drops silently.
	OnDrop func() error
}

// NewAsyncTx starts the writer goroutine with a buffer of buf frames.
func NewAsyncTx(parent context.Context, buf int, write func(can.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		write:  write,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.write(fr); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues fr for writing.
func (a *AsyncTx) Send(fr can.Frame) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Pending returns the number of queued frames.
func (a *AsyncTx) Pending() int { return len(a.ch) }

// Close stops the writer, waits for it to exit and returns the number of
// queued frames that were never written. Later calls return 0.
func (a *AsyncTx) Close() int {
	if a.closed.Swap(true) {
		return 0
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
	n := 0
	for range a.ch {
		n++
	}
	return n
}
