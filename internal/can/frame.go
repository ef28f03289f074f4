package can

import (
	"errors"
	"fmt"
	"strings"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxLen is the classic CAN payload limit.
const MaxLen = 8

var (
	// ErrFrame is matched by every frame construction error.
	ErrFrame = errors.New("can: invalid frame")
	// ErrInvalidID is returned when the identifier does not fit the 11 or 29 bit range.
	ErrInvalidID = fmt.Errorf("%w: identifier out of range", ErrFrame)
	// ErrInvalidLength is returned when the payload is longer than MaxLen.
	ErrInvalidLength = fmt.Errorf("%w: payload length", ErrFrame)
)

// Frame is a classic CAN frame. It is immutable once constructed; use NewFrame
// or FromCANID so the identifier and payload are validated.
type Frame struct {
	id       uint32
	extended bool
	n        uint8
	data     [MaxLen]byte
}

// NewFrame validates and builds a frame.
func NewFrame(id uint32, data []byte, extended bool) (Frame, error) {
	var f Frame
	if len(data) > MaxLen {
		return f, fmt.Errorf("%w (%d)", ErrInvalidLength, len(data))
	}
	limit := uint32(CAN_SFF_MASK)
	if extended {
		limit = CAN_EFF_MASK
	}
	if id > limit {
		return f, fmt.Errorf("%w (0x%X)", ErrInvalidID, id)
	}
	f.id = id
	f.extended = extended
	f.n = uint8(len(data))
	copy(f.data[:], data)
	return f, nil
}

// MustFrame is NewFrame for literals; it panics on invalid input.
func MustFrame(id uint32, data []byte, extended bool) Frame {
	f, err := NewFrame(id, data, extended)
	if err != nil {
		panic(err)
	}
	return f
}

// FromCANID builds a frame from a SocketCAN style can_id (EFF flag in bit 31).
func FromCANID(canID uint32, data []byte) (Frame, error) {
	if canID&CAN_EFF_FLAG != 0 {
		return NewFrame(canID&CAN_EFF_MASK, data, true)
	}
	return NewFrame(canID&CAN_SFF_MASK, data, false)
}

func (f Frame) ID() uint32     { return f.id }
func (f Frame) Extended() bool { return f.extended }
func (f Frame) Len() int       { return int(f.n) }

// Data returns a copy of the payload.
func (f Frame) Data() []byte {
	out := make([]byte, f.n)
	copy(out, f.data[:f.n])
	return out
}

// Byte returns payload byte i without copying (i must be < Len()).
func (f Frame) Byte(i int) byte { return f.data[i] }

// CANID returns the identifier with the EFF flag set for extended frames.
func (f Frame) CANID() uint32 {
	if f.extended {
		return f.id | CAN_EFF_FLAG
	}
	return f.id
}

// Equal reports whether two frames carry the same id, format and payload.
func (f Frame) Equal(g Frame) bool {
	return f.id == g.id && f.extended == g.extended && f.n == g.n && f.data == g.data
}

// String renders the frame in candump compact form, e.g. 123#0102.
func (f Frame) String() string {
	var b strings.Builder
	if f.extended {
		fmt.Fprintf(&b, "%08X#", f.id)
	} else {
		fmt.Fprintf(&b, "%03X#", f.id)
	}
	for _, v := range f.data[:f.n] {
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}
