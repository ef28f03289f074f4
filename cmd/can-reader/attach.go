package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-canreader/internal/link"
	"github.com/kstaniek/go-canreader/internal/reader"
)

var errNotConnected = errors.New("adapter did not connect")

// attacher keeps an adapter bound: it opens the adapter with retries and,
// once the connection is lost (device removed, read failure), opens it again.
type attacher struct {
	svc      *reader.Service
	find     func() (link.Adapter, error)
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
	states   chan link.State
}

func newAttacher(svc *reader.Service, find func() (link.Adapter, error), attempts uint, delay time.Duration, l *slog.Logger) *attacher {
	a := &attacher{svc: svc, find: find, attempts: attempts, delay: delay, logger: l, states: make(chan link.State, 16)}
	svc.AddConnectionListener(reader.ConnectionFunc(a.observe))
	return a
}

func (a *attacher) observe(st link.State) {
	select {
	case a.states <- st:
	default:
	}
}

func (a *attacher) drain() {
	for {
		select {
		case <-a.states:
		default:
			return
		}
	}
}

// run returns nil when ctx is done, or the open error once retries are used up.
func (a *attacher) run(ctx context.Context) error {
	for {
		if err := a.attach(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !a.waitFor(ctx, link.Disconnected) {
			return nil
		}
		a.logger.Warn("adapter_lost", "error", a.svc.LastError())
	}
}

// attach locates and binds the adapter, retrying until it reports Connected.
func (a *attacher) attach(ctx context.Context) error {
	return retry.Do(func() error {
		ad, err := a.find()
		if err != nil {
			return err
		}
		a.drain()
		a.svc.SetAdapter(ad)
		return a.await(ctx)
	},
		retry.Context(ctx),
		retry.Attempts(a.attempts),
		retry.Delay(a.delay),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			a.logger.Warn("adapter_open_retry", "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
}

// await reports the outcome of a SetAdapter.
func (a *attacher) await(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-a.states:
			switch st {
			case link.Connected:
				return nil
			case link.Disconnected:
				if err := a.svc.LastError(); err != nil {
					return fmt.Errorf("%w: %v", errNotConnected, err)
				}
				return errNotConnected
			}
		}
	}
}

func (a *attacher) waitFor(ctx context.Context, want link.State) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case st := <-a.states:
			if st == want {
				return true
			}
		}
	}
}
