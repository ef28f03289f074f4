package reader

import (
	"github.com/kstaniek/go-canreader/internal/link"
	"github.com/kstaniek/go-canreader/internal/transmit"
)

// Listener callbacks run synchronously on the goroutine that produced the
// event (a transport goroutine, a transmit worker or the speed sampler) and
// must return quickly.

// StateListener is notified when the service's visible state changes in bulk:
// an adapter was bound or unbound, or the bus speed changed.
type StateListener interface {
	StateChanged()
}

type ConnectionListener interface {
	ConnectionStateChanged(link.State)
}

type TransmitListener interface {
	TransmitListChanged()
	TransmitUpdated(*transmit.Job)
	TransmitSpeed(float64)
}

type MonitorListener interface {
	MonitorUpdated()
	MonitorSpeed(float64)
}

// StateFunc adapts a function to StateListener.
type StateFunc func()

func (f StateFunc) StateChanged() { f() }

// ConnectionFunc adapts a function to ConnectionListener.
type ConnectionFunc func(link.State)

func (f ConnectionFunc) ConnectionStateChanged(s link.State) { f(s) }

// TransmitFuncs is a TransmitListener built from optional closures.
type TransmitFuncs struct {
	ListChanged func()
	Updated     func(*transmit.Job)
	Speed       func(float64)
}

func (f TransmitFuncs) TransmitListChanged() {
	if f.ListChanged != nil {
		f.ListChanged()
	}
}

func (f TransmitFuncs) TransmitUpdated(j *transmit.Job) {
	if f.Updated != nil {
		f.Updated(j)
	}
}

func (f TransmitFuncs) TransmitSpeed(v float64) {
	if f.Speed != nil {
		f.Speed(v)
	}
}

// MonitorFuncs is a MonitorListener built from optional closures.
type MonitorFuncs struct {
	Updated func()
	Speed   func(float64)
}

func (f MonitorFuncs) MonitorUpdated() {
	if f.Updated != nil {
		f.Updated()
	}
}

func (f MonitorFuncs) MonitorSpeed(v float64) {
	if f.Speed != nil {
		f.Speed(v)
	}
}
