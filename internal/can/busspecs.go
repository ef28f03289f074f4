package can

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnsupportedSpeed is returned by SetSpeed for bitrates adapters cannot select.
var ErrUnsupportedSpeed = errors.New("can: unsupported bus speed")

// DefaultSpeed is the bitrate used until SetSpeed is called.
const DefaultSpeed = 500000

// Speeds lists the selectable bitrates (bit/s) in ascending order.
var Speeds = []int{10000, 20000, 50000, 100000, 125000, 250000, 500000, 800000, 1000000}

// BusSpecs holds the bus configuration handed to the transport. It is shared by
// pointer and read by the transport when it connects.
type BusSpecs struct {
	mu    sync.RWMutex
	speed int
}

func NewBusSpecs() *BusSpecs { return &BusSpecs{speed: DefaultSpeed} }

// Speed returns the configured bitrate in bit/s.
func (b *BusSpecs) Speed() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.speed
}

// SetSpeed changes the bitrate. It takes effect on the next connect.
func (b *BusSpecs) SetSpeed(bps int) error {
	if SpeedIndex(bps) < 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedSpeed, bps)
	}
	b.mu.Lock()
	b.speed = bps
	b.mu.Unlock()
	return nil
}

// SpeedIndex returns the position of bps in Speeds or -1.
func SpeedIndex(bps int) int {
	for i, s := range Speeds {
		if s == bps {
			return i
		}
	}
	return -1
}
