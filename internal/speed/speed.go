package speed

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-canreader/internal/metrics"
)

// DefaultPeriod is the sampling cadence.
const DefaultPeriod = 500 * time.Millisecond

// Meter samples the lifetime sent/received counters and converts the deltas
// into instantaneous frame rates.
type Meter struct {
	sent, received func() uint64
	period         time.Duration
	onTransmit     func(float64)
	onMonitor      func(float64)

	mu       sync.Mutex
	stop     chan struct{}
	prevSent uint64
	prevRecv uint64

	txRate atomic.Uint64 // float64 bits
	rxRate atomic.Uint64
}

type Option func(*Meter)

func WithPeriod(d time.Duration) Option {
	return func(m *Meter) {
		if d > 0 {
			m.period = d
		}
	}
}

// WithOnTransmit receives the transmit rate on every tick.
func WithOnTransmit(fn func(float64)) Option { return func(m *Meter) { m.onTransmit = fn } }

// WithOnMonitor receives the receive rate on every tick.
func WithOnMonitor(fn func(float64)) Option { return func(m *Meter) { m.onMonitor = fn } }

func New(sent, received func() uint64, opts ...Option) *Meter {
	m := &Meter{sent: sent, received: received, period: DefaultPeriod}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start launches the sampler. The baseline is the counters' value now, so
// traffic that happened while stopped never shows up as a spike. Starting a
// running meter is a no-op.
func (m *Meter) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.prevSent = m.sent()
	m.prevRecv = m.received()
	m.stop = make(chan struct{})
	go m.loop(m.stop)
}

// Stop cancels the sampler. It does not wait: a tick already publishing may
// still deliver its rates, no later tick will. Safe to call when stopped and
// from inside a rate callback.
func (m *Meter) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (m *Meter) Running() bool { m.mu.Lock(); defer m.mu.Unlock(); return m.stop != nil }

func (m *Meter) Period() time.Duration { return m.period }

// Rates returns the last computed transmit and receive rates (frames/s).
func (m *Meter) Rates() (tx, rx float64) {
	return math.Float64frombits(m.txRate.Load()), math.Float64frombits(m.rxRate.Load())
}

func (m *Meter) loop(stop chan struct{}) {
	t := time.NewTicker(m.period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.tick(stop)
		case <-stop:
			return
		}
	}
}

// tick computes one sample and moves the baseline. Ticks of a sampler that
// has since been stopped are dropped.
func (m *Meter) tick(stop chan struct{}) {
	secs := m.period.Seconds()
	sent, recv := m.sent(), m.received()
	m.mu.Lock()
	if m.stop != stop {
		m.mu.Unlock()
		return
	}
	tx := float64(sent-m.prevSent) / secs
	rx := float64(recv-m.prevRecv) / secs
	m.prevSent, m.prevRecv = sent, recv
	m.mu.Unlock()

	m.txRate.Store(math.Float64bits(tx))
	m.rxRate.Store(math.Float64bits(rx))
	metrics.SetRates(tx, rx)
	if m.onTransmit != nil {
		m.onTransmit(tx)
	}
	if m.onMonitor != nil {
		m.onMonitor(rx)
	}
}
