package link

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-canreader/internal/logging"
	"github.com/kstaniek/go-canreader/internal/metrics"
)

// Machine is the connection state machine wrapping a Transport.
type Machine struct {
	t Transport

	mu        sync.Mutex
	state     State
	adapter   Adapter // bound to the transport
	pending   bool    // a disconnect has been issued and not yet confirmed
	target    Adapter // adapter to bind once the pending disconnect completes
	stopWatch func()

	// transitions awaiting fan-out; the goroutine that finds draining unset
	// delivers them in order
	queue    []transition
	draining bool

	watcher     Watcher
	onState     func(State)
	onError     func(error)
	onConnected func()
	onLeave     func()
	onAdapter   func(Adapter)
	logger      *slog.Logger
}

type transition struct{ from, to State }

type Option func(*Machine)

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithOnState receives every state transition.
func WithOnState(fn func(State)) Option { return func(m *Machine) { m.onState = fn } }

// WithOnError receives transport failures.
func WithOnError(fn func(error)) Option { return func(m *Machine) { m.onError = fn } }

// WithOnConnected runs on entry into Connected.
func WithOnConnected(fn func()) Option { return func(m *Machine) { m.onConnected = fn } }

// WithOnLeaveConnected runs when the machine leaves Connected and at the start
// of every SetAdapter. It must be idempotent.
func WithOnLeaveConnected(fn func()) Option { return func(m *Machine) { m.onLeave = fn } }

// WithOnAdapter runs after an adapter (or none) has been bound to the transport.
func WithOnAdapter(fn func(Adapter)) Option { return func(m *Machine) { m.onAdapter = fn } }

// WithWatcher enables hardware-removal detection for bound adapters.
func WithWatcher(w Watcher) Option { return func(m *Machine) { m.watcher = w } }

func NewMachine(t Transport, opts ...Option) *Machine {
	m := &Machine{t: t, logger: logging.Component("link")}
	for _, o := range opts {
		o(m)
	}
	metrics.SetConnectionState(int(Disconnected))
	return m
}

// SetAdapter tears down the current connection and binds a (nil for none) once
// the transport confirms the disconnect. It does not block. A call made while
// an earlier transition is still pending replaces that transition's target.
func (m *Machine) SetAdapter(a Adapter) {
	if m.onLeave != nil {
		m.onLeave()
	}
	m.mu.Lock()
	m.cancelWatchLocked()
	m.target = a
	if m.pending {
		m.mu.Unlock()
		m.logger.Debug("adapter_superseded", "adapter", name(a))
		return
	}
	m.pending = true
	m.mu.Unlock()

	m.logger.Debug("adapter_switch", "adapter", name(a))
	if err := m.t.Disconnect(m.disconnected); err != nil {
		m.mu.Lock()
		m.pending = false
		m.target = nil
		m.mu.Unlock()
		m.fail("disconnect", metrics.ErrDisconnect, err)
	}
}

// disconnected is the transport's confirmation of a pending disconnect.
func (m *Machine) disconnected() {
	m.mu.Lock()
	a := m.target
	m.target = nil
	m.pending = false
	m.mu.Unlock()

	if err := m.t.SetAdapter(a); err != nil {
		m.bind(nil)
		m.fail("set adapter", metrics.ErrAdapter, err)
		return
	}
	m.bind(a)
	if a == nil {
		return
	}
	if err := m.t.Connect(); err != nil {
		m.fail("connect", metrics.ErrConnect, err)
		return
	}
	m.watch(a)
}

func (m *Machine) bind(a Adapter) {
	m.mu.Lock()
	prev := m.adapter
	m.adapter = a
	m.mu.Unlock()
	if prev == nil && a == nil {
		return
	}
	m.logger.Info("adapter_bound", "adapter", name(a))
	if m.onAdapter != nil {
		m.onAdapter(a)
	}
}

func (m *Machine) watch(a Adapter) {
	if m.watcher == nil {
		return
	}
	stop := m.watcher.Watch(a.DeviceID(), m.DeviceDetached)
	m.mu.Lock()
	// a newer SetAdapter may have run while Watch was starting
	if m.adapter != a || m.pending {
		m.mu.Unlock()
		stop()
		return
	}
	m.stopWatch = stop
	m.mu.Unlock()
}

func (m *Machine) cancelWatchLocked() {
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
}

// ConnectionStateChanged records a state reported by the transport.
func (m *Machine) ConnectionStateChanged(s State) { m.setState(s) }

// DeviceDetached handles a hardware-removal signal. A match on the bound
// adapter unbinds it; a match on a pending target drops the target.
func (m *Machine) DeviceDetached(id string) {
	m.mu.Lock()
	bound := m.adapter != nil && m.adapter.DeviceID() == id
	if !bound && m.pending && m.target != nil && m.target.DeviceID() == id {
		m.target = nil
	}
	m.mu.Unlock()
	if !bound {
		return
	}
	m.logger.Warn("adapter_detached", "device", id)
	m.SetAdapter(nil)
}

func (m *Machine) State() State { m.mu.Lock(); defer m.mu.Unlock(); return m.state }

// Adapter returns the adapter bound to the transport (nil for none).
func (m *Machine) Adapter() Adapter { m.mu.Lock(); defer m.mu.Unlock(); return m.adapter }

// Pending reports whether a disconnect is in flight.
func (m *Machine) Pending() bool { m.mu.Lock(); defer m.mu.Unlock(); return m.pending }

// Close stops removal watching.
func (m *Machine) Close() {
	m.mu.Lock()
	m.cancelWatchLocked()
	m.mu.Unlock()
}

// setState records s and fans the transition out. Transitions are delivered
// one at a time in the order they were recorded, even when reported from
// several goroutines or from inside a callback; such a report returns before
// its own delivery.
func (m *Machine) setState(s State) {
	m.mu.Lock()
	old := m.state
	if old == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.queue = append(m.queue, transition{from: old, to: s})
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		tr := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.announce(tr)
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *Machine) announce(tr transition) {
	metrics.SetConnectionState(int(tr.to))
	m.logger.Info("connection_state", "from", tr.from.String(), "to", tr.to.String())
	if tr.from == Connected && m.onLeave != nil {
		m.onLeave()
	}
	if tr.to == Connected && m.onConnected != nil {
		m.onConnected()
	}
	if m.onState != nil {
		m.onState(tr.to)
	}
}

func (m *Machine) fail(op, label string, err error) {
	wrap := fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
	metrics.IncError(label)
	m.logger.Error("transport_error", "op", op, "error", err)
	if m.onError != nil {
		m.onError(wrap)
	}
	m.setState(Disconnected)
}

func name(a Adapter) string {
	if a == nil {
		return "none"
	}
	return a.String()
}
