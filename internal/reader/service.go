// Package reader wires the CAN reader core together: the connection state
// machine, the monitor table, the transmit scheduler and the speed meter, with
// one observer set per event category.
package reader

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/link"
	"github.com/kstaniek/go-canreader/internal/logging"
	"github.com/kstaniek/go-canreader/internal/monitor"
	"github.com/kstaniek/go-canreader/internal/observer"
	"github.com/kstaniek/go-canreader/internal/speed"
	"github.com/kstaniek/go-canreader/internal/transmit"
)

const defaultErrBuffer = 16

// Service is the public face of the reader.
type Service struct {
	t       link.Transport
	specs   *can.BusSpecs
	machine *link.Machine
	monitor *monitor.Table
	sched   *transmit.Scheduler
	meter   *speed.Meter

	stateSubs observer.Set[StateListener]
	connSubs  observer.Set[ConnectionListener]
	txSubs    observer.Set[TransmitListener]
	monSubs   observer.Set[MonitorListener]

	errs    chan error
	errMu   sync.Mutex
	lastErr error

	tap         func(can.Frame)
	watcher     link.Watcher
	workers     int
	speedPeriod time.Duration
	errBuffer   int
	clock       func() time.Time
	base        *slog.Logger
	logger      *slog.Logger
	closeOnce   sync.Once
}

type Option func(*Service)

// WithLogger sets the parent logger; each component gets a tagged child.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.base = l } }

// WithBusSpecs shares bus parameters with the transport.
func WithBusSpecs(b *can.BusSpecs) Option {
	return func(s *Service) {
		if b != nil {
			s.specs = b
		}
	}
}

// WithWorkers sizes the transmit worker pool.
func WithWorkers(n int) Option { return func(s *Service) { s.workers = n } }

// WithSpeedPeriod sets the speed meter sampling period.
func WithSpeedPeriod(d time.Duration) Option { return func(s *Service) { s.speedPeriod = d } }

// WithWatcher enables hardware-removal detection.
func WithWatcher(w link.Watcher) Option { return func(s *Service) { s.watcher = w } }

// WithFrameTap receives every inbound frame after the monitor has recorded it.
func WithFrameTap(fn func(can.Frame)) Option { return func(s *Service) { s.tap = fn } }

// WithErrorBuffer sizes the Errors channel.
func WithErrorBuffer(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.errBuffer = n
		}
	}
}

// WithClock overrides the monitor's time source (tests).
func WithClock(now func() time.Time) Option { return func(s *Service) { s.clock = now } }

// New builds a service around t and registers the service's handler with it.
func New(t link.Transport, opts ...Option) *Service {
	s := &Service{
		t:         t,
		specs:     can.NewBusSpecs(),
		errBuffer: defaultErrBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.componentLogger("reader")
	s.errs = make(chan error, s.errBuffer)

	monOpts := []monitor.Option{monitor.WithOnUpdate(s.monitorUpdated)}
	if s.clock != nil {
		monOpts = append(monOpts, monitor.WithClock(s.clock))
	}
	s.monitor = monitor.New(monOpts...)

	s.sched = transmit.NewScheduler(t,
		transmit.WithWorkers(s.workers),
		transmit.WithLogger(s.componentLogger("transmit")),
		transmit.WithOnListChanged(s.transmitListChanged),
		transmit.WithOnJobUpdated(s.transmitUpdated),
		transmit.WithOnError(s.report),
	)

	s.meter = speed.New(s.sched.Sent, s.monitor.Received,
		speed.WithPeriod(s.speedPeriod),
		speed.WithOnTransmit(s.transmitSpeed),
		speed.WithOnMonitor(s.monitorSpeed),
	)

	mopts := []link.Option{
		link.WithLogger(s.componentLogger("link")),
		link.WithOnState(s.connectionChanged),
		link.WithOnError(s.report),
		link.WithOnConnected(s.meter.Start),
		link.WithOnLeaveConnected(s.quiesce),
		link.WithOnAdapter(func(link.Adapter) { s.stateChanged() }),
	}
	if s.watcher != nil {
		mopts = append(mopts, link.WithWatcher(s.watcher))
	}
	s.machine = link.NewMachine(t, mopts...)

	t.SetHandler(handler{s})
	return s
}

// Handler returns the callbacks the transport reports to. New already
// registers it; it is exposed for transports created later or shared.
func (s *Service) Handler() link.Handler { return handler{s} }

// Subscriptions

func (s *Service) AddStateListener(l StateListener) observer.Handle { return s.stateSubs.Add(l) }
func (s *Service) RemoveStateListener(h observer.Handle) bool      { return s.stateSubs.Remove(h) }
func (s *Service) AddConnectionListener(l ConnectionListener) observer.Handle {
	return s.connSubs.Add(l)
}
func (s *Service) RemoveConnectionListener(h observer.Handle) bool { return s.connSubs.Remove(h) }
func (s *Service) AddTransmitListener(l TransmitListener) observer.Handle {
	return s.txSubs.Add(l)
}
func (s *Service) RemoveTransmitListener(h observer.Handle) bool { return s.txSubs.Remove(h) }
func (s *Service) AddMonitorListener(l MonitorListener) observer.Handle {
	return s.monSubs.Add(l)
}
func (s *Service) RemoveMonitorListener(h observer.Handle) bool { return s.monSubs.Remove(h) }

// Transmit list

func (s *Service) AddTransmit(j *transmit.Job)    { s.sched.Add(j) }
func (s *Service) RemoveTransmit(j *transmit.Job) { s.sched.Remove(j) }
func (s *Service) RemoveTransmitAt(i int) bool    { return s.sched.RemoveAt(i) }
func (s *Service) StartTransmit(j *transmit.Job)  { s.sched.Start(j) }
func (s *Service) StopTransmit(j *transmit.Job)   { s.sched.Stop(j) }
func (s *Service) StartAllTransmits()             { s.sched.StartAll() }
func (s *Service) StopAllTransmits()              { s.sched.StopAll() }
func (s *Service) ClearTransmits()                { s.sched.Clear() }
func (s *Service) ResetTransmit(j *transmit.Job)  { s.sched.ResetCount(j) }
func (s *Service) ResetTransmits()                { s.sched.ResetAllCounts() }
func (s *Service) HasStartedTransmits() bool      { return s.sched.HasStarted() }
func (s *Service) HasStoppedTransmits() bool      { return s.sched.HasStopped() }

// TransmitJobs returns the job list. The slice is a copy; the jobs are the
// live instances managed by the scheduler.
func (s *Service) TransmitJobs() []*transmit.Job { return s.sched.Jobs() }

// SetTransmitJobs replaces the job list with jobs, none of them started.
func (s *Service) SetTransmitJobs(jobs []*transmit.Job) { s.sched.SetJobs(jobs) }

// Transmit sends j once, now. Failures are also reported on Errors.
func (s *Service) Transmit(j *transmit.Job) error { return s.sched.Transmit(j) }

// Send transmits a single frame once.
func (s *Service) Send(f can.Frame) error { return s.sched.SendFrame(f) }

// Monitor

// MonitorEntries returns a snapshot of the monitor table in insertion order.
func (s *Service) MonitorEntries() []monitor.Entry { return s.monitor.Entries() }

func (s *Service) ClearMonitor() { s.monitor.Clear() }

// Connection

// SetAdapter switches the transport to a (nil for none). It returns
// immediately; progress is reported to connection listeners.
func (s *Service) SetAdapter(a link.Adapter) { s.machine.SetAdapter(a) }

// DeviceDetached forwards a hardware-removal signal.
func (s *Service) DeviceDetached(id string) { s.machine.DeviceDetached(id) }

func (s *Service) ConnectionState() link.State { return s.machine.State() }
func (s *Service) Adapter() link.Adapter       { return s.machine.Adapter() }
func (s *Service) BusSpecs() *can.BusSpecs     { return s.specs }

// SetSpeed changes the bus bitrate used on the next connect.
func (s *Service) SetSpeed(bps int) error {
	if err := s.specs.SetSpeed(bps); err != nil {
		return err
	}
	s.logger.Info("bus_speed", "bps", bps)
	s.stateChanged()
	return nil
}

// Counters

// Sent is the lifetime number of frames transmitted.
func (s *Service) Sent() uint64 { return s.sched.Sent() }

// Received is the lifetime number of frames received.
func (s *Service) Received() uint64 { return s.monitor.Received() }

// Rates returns the last sampled transmit and receive rates in frames/s.
func (s *Service) Rates() (tx, rx float64) { return s.meter.Rates() }

// Errors

// Errors delivers transport and send failures. Errors are dropped when the
// channel is full; LastError always holds the most recent one.
func (s *Service) Errors() <-chan error { return s.errs }

func (s *Service) LastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// Close stops every job, the speed meter and removal watching. The transport
// itself is left to its owner.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.machine.Close()
		s.meter.Stop()
		s.sched.Close()
	})
}

func (s *Service) componentLogger(name string) *slog.Logger {
	if s.base != nil {
		return s.base.With("component", name)
	}
	return logging.Component(name)
}

func (s *Service) report(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
	select {
	case s.errs <- err:
	default:
	}
}

// quiesce runs whenever the connection is torn down.
func (s *Service) quiesce() {
	s.sched.StopAll()
	s.meter.Stop()
}

func (s *Service) stateChanged() {
	s.stateSubs.Each(func(l StateListener) { l.StateChanged() })
}

func (s *Service) connectionChanged(st link.State) {
	s.connSubs.Each(func(l ConnectionListener) { l.ConnectionStateChanged(st) })
}

func (s *Service) transmitListChanged() {
	s.txSubs.Each(func(l TransmitListener) { l.TransmitListChanged() })
}

func (s *Service) transmitUpdated(j *transmit.Job) {
	s.txSubs.Each(func(l TransmitListener) { l.TransmitUpdated(j) })
}

func (s *Service) transmitSpeed(v float64) {
	s.txSubs.Each(func(l TransmitListener) { l.TransmitSpeed(v) })
}

func (s *Service) monitorUpdated() {
	s.monSubs.Each(func(l MonitorListener) { l.MonitorUpdated() })
}

func (s *Service) monitorSpeed(v float64) {
	s.monSubs.Each(func(l MonitorListener) { l.MonitorSpeed(v) })
}

type handler struct{ s *Service }

func (h handler) FrameReceived(f can.Frame) {
	h.s.monitor.Receive(f)
	if h.s.tap != nil {
		h.s.tap(f)
	}
}

func (h handler) Error(err error) {
	if !errors.Is(err, link.ErrTransport) {
		err = fmt.Errorf("%w: %v", link.ErrTransport, err)
	}
	h.s.logger.Error("transport_error", "error", err)
	h.s.report(err)
}

func (h handler) ConnectionStateChanged(st link.State) { h.s.machine.ConnectionStateChanged(st) }
