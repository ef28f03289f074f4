package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/metrics"
)

// Entry is the aggregated state of all received frames sharing one identifier.
type Entry struct {
	Frame  can.Frame     // most recent frame
	Count  uint64        // receptions since the entry was created
	First  time.Time     // first reception
	Time   time.Time     // last reception
	Period time.Duration // gap between the two most recent receptions (0 until the second)
}

// Table is the live monitor table keyed by frame identifier. Entries keep
// insertion order; updates happen in place.
type Table struct {
	mu       sync.Mutex
	entries  []*Entry
	received atomic.Uint64
	now      func() time.Time
	onUpdate func()
}

type Option func(*Table)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(t *Table) { t.now = now } }

// WithOnUpdate sets the monitor-updated fan-out.
func WithOnUpdate(fn func()) Option { return func(t *Table) { t.onUpdate = fn } }

func New(opts ...Option) *Table {
	t := &Table{now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Receive records one inbound frame and fans out a single update event.
func (t *Table) Receive(f can.Frame) {
	t.received.Add(1)
	metrics.IncRx()
	now := t.now()
	t.mu.Lock()
	var found bool
	// Linear scan: the table is bounded by the identifiers actually on the bus.
	for _, e := range t.entries {
		if e.Frame.ID() == f.ID() {
			e.Frame = f
			e.Count++
			e.Period = now.Sub(e.Time)
			e.Time = now
			found = true
			break
		}
	}
	if !found {
		t.entries = append(t.entries, &Entry{Frame: f, Count: 1, First: now, Time: now})
	}
	n := len(t.entries)
	t.mu.Unlock()
	if !found {
		metrics.SetMonitorEntries(n)
	}
	t.notify()
}

// Clear empties the table and fans out a single update event. The global
// received counter is left untouched.
func (t *Table) Clear() {
	t.mu.Lock()
	t.entries = nil
	t.mu.Unlock()
	metrics.SetMonitorEntries(0)
	t.notify()
}

// Entries returns a copy of the table in insertion order.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

// Lookup returns the entry for id.
func (t *Table) Lookup(id uint32) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.Frame.ID() == id {
			return *e, true
		}
	}
	return Entry{}, false
}

func (t *Table) Len() int { t.mu.Lock(); n := len(t.entries); t.mu.Unlock(); return n }

// Received returns the lifetime receive counter.
func (t *Table) Received() uint64 { return t.received.Load() }

func (t *Table) notify() {
	if t.onUpdate != nil {
		t.onUpdate()
	}
}
