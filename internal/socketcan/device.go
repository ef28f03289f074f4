//go:build linux

package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-canreader/internal/can"
)

// readTimeout bounds a blocked read so Close is noticed.
var readTimeout = unix.Timeval{Usec: 200000}

// Device is a raw CAN socket bound to one interface.
type Device struct {
	fd int
}

// Open binds a raw classic CAN socket to iface.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// older kernels do not know this option
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &readTimeout); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one classic CAN frame.
//
// struct can_frame (linux/can.h), host byte order:
//
//	can_id  u32  [0:4]  (EFF/RTR/ERR flags included)
//	can_dlc u8   [4]
//	pad     3B   [5:8]
//	data    [8]  [8:16]
func (d *Device) ReadFrame() (can.Frame, error) {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return can.Frame{}, ErrTimeout
		}
		return can.Frame{}, err
	}
	if n != unix.CAN_MTU {
		return can.Frame{}, fmt.Errorf("short read: %d", n)
	}
	return decode(buf[:])
}

// WriteFrame writes one classic CAN frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	encode(buf[:], fr)
	_, err := unix.Write(d.fd, buf[:])
	return err
}

func decode(buf []byte) (can.Frame, error) {
	id := binary.LittleEndian.Uint32(buf[0:4])
	switch {
	case id&can.CAN_ERR_FLAG != 0:
		return can.Frame{}, fmt.Errorf("%w: class 0x%X", ErrBusError, id&can.CAN_EFF_MASK)
	case id&can.CAN_RTR_FLAG != 0:
		return can.Frame{}, ErrRemote
	}
	dlc := min(int(buf[4]), can.MaxLen)
	return can.FromCANID(id, buf[8:8+dlc])
}

func encode(buf []byte, fr can.Frame) {
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID())
	buf[4] = byte(fr.Len())
	for i := 0; i < fr.Len(); i++ {
		buf[8+i] = fr.Byte(i)
	}
}

// fatal reports read errors that mean the interface is gone or down.
func fatal(err error) bool {
	return errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENETDOWN) || errors.Is(err, unix.EBADF)
}

func openDevice(iface string) (Dev, error) {
	d, err := Open(iface)
	if err != nil {
		return nil, err
	}
	return d, nil
}
