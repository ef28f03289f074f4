// Package link tracks the lifecycle of the adapter connection.
//
// The Machine is driven by discrete events: SetAdapter from the caller,
// disconnect confirmations and state reports from the transport, and
// device-detached signals from a Watcher. The target of an in-flight
// transition is kept in an explicit pending slot so the state can be inspected
// at any point.
package link

import (
	"errors"

	"github.com/kstaniek/go-canreader/internal/can"
)

// ErrTransport wraps every failure reported by a Transport.
var ErrTransport = errors.New("transport")

// State is the adapter connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Adapter is a physical CAN interface the transport can be bound to.
// DeviceID is matched against device-detached signals.
type Adapter interface {
	DeviceID() string
	String() string
}

// Handler receives the transport's asynchronous events. Calls may arrive on
// any goroutine.
type Handler interface {
	FrameReceived(can.Frame)
	Error(error)
	ConnectionStateChanged(State)
}

// Transport is the adapter driver boundary.
//
// Disconnect must eventually call onComplete exactly once, on a goroutine other
// than the caller's, even when the transport is already disconnected.
type Transport interface {
	Connect() error
	Disconnect(onComplete func()) error
	Send(can.Frame) error
	SetAdapter(Adapter) error
	SetHandler(Handler)
}

// Watcher reports physical removal of a device. Watch starts watching id and
// returns a function that stops it; detached may be called at most once.
type Watcher interface {
	Watch(id string, detached func(id string)) (stop func())
}
