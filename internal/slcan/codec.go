// Package slcan speaks the Lawicel/CanHacker ASCII protocol used by USB
// serial CAN adapters.
//
// Frames are CR terminated lines:
//
//	tIIILDD..   standard frame, 3 hex digit id, 1 digit length, payload
//	TIIIIIIIILDD.. extended frame, 8 hex digit id
//	rIIIL / RIIIIIIIIL remote requests (skipped, no payload model)
//
// Commands are answered with CR (ok) or BEL (error).
package slcan

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/metrics"
)

const (
	cr   = '\r'
	bell = 0x07

	// maxLine is the longest valid line: T + 8 id + 1 len + 16 data + 4 timestamp.
	maxLine = 1 + 8 + 1 + 16 + 4
)

var (
	ErrBell  = errors.New("slcan: adapter rejected command")
	ErrSpeed = errors.New("slcan: no bitrate command")
)

// bitrate commands indexed by the adapters' S table.
var bitrates = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

// BitrateCommand returns the S command (CR included) for bps.
func BitrateCommand(bps int) ([]byte, error) {
	c, ok := bitrates[bps]
	if !ok {
		return nil, fmt.Errorf("%w for %d bit/s", ErrSpeed, bps)
	}
	return []byte(c + "\r"), nil
}

var (
	cmdOpen  = []byte("O\r")
	cmdClose = []byte("C\r")
)

const hexDigits = "0123456789ABCDEF"

// Codec encodes and decodes SLCAN lines.
type Codec struct{}

// Encode renders f as a transmit command.
func (Codec) Encode(f can.Frame) []byte {
	n := f.Len()
	out := make([]byte, 0, 1+8+1+2*n+1)
	if f.Extended() {
		out = append(out, 'T')
		out = appendHex(out, f.ID(), 8)
	} else {
		out = append(out, 't')
		out = appendHex(out, f.ID(), 3)
	}
	out = append(out, hexDigits[n])
	for i := 0; i < n; i++ {
		b := f.Byte(i)
		out = append(out, hexDigits[b>>4], hexDigits[b&0xF])
	}
	return append(out, cr)
}

func appendHex(dst []byte, v uint32, digits int) []byte {
	for i := digits - 1; i >= 0; i-- {
		dst = append(dst, hexDigits[(v>>(4*uint(i)))&0xF])
	}
	return dst
}

// DecodeStream consumes every complete line in in, emitting frames through out
// and calling onBell for each error reply. A trailing partial line stays in
// the buffer for the next call. Malformed lines are counted and skipped.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame), onBell func()) {
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		i := bytes.IndexAny(data, "\r\a")
		if i < 0 {
			if len(data) > maxLine {
				// no terminator within a line's length: garbage, resync
				metrics.IncMalformed()
				in.Reset()
			}
			return
		}
		line := data[:i]
		term := data[i]
		if term == bell {
			if onBell != nil {
				onBell()
			}
		} else if len(line) > 0 {
			if f, ok, err := decodeLine(line); err != nil {
				metrics.IncMalformed()
			} else if ok {
				out(f)
			}
		}
		in.Next(i + 1)
	}
}

// decodeLine parses one line without terminator. ok is false for lines that
// are valid but carry no frame (acks, remote requests, status replies).
func decodeLine(line []byte) (f can.Frame, ok bool, err error) {
	var idLen int
	var extended bool
	switch line[0] {
	case 't':
		idLen = 3
	case 'T':
		idLen, extended = 8, true
	case 'r', 'R', 'z', 'Z', 'V', 'v', 'N', 'F':
		return f, false, nil
	default:
		return f, false, fmt.Errorf("slcan: unknown line %q", line)
	}
	if len(line) < 1+idLen+1 {
		return f, false, fmt.Errorf("slcan: short line %q", line)
	}
	id, err := parseHex(line[1 : 1+idLen])
	if err != nil {
		return f, false, err
	}
	n, err := parseHex(line[1+idLen : 2+idLen])
	if err != nil || n > can.MaxLen {
		return f, false, fmt.Errorf("slcan: bad length in %q", line)
	}
	body := line[2+idLen:]
	// some adapters append a 4 digit timestamp
	if len(body) != int(2*n) && len(body) != int(2*n)+4 {
		return f, false, fmt.Errorf("slcan: payload size mismatch in %q", line)
	}
	var data [can.MaxLen]byte
	for k := 0; k < int(n); k++ {
		v, err := parseHex(body[2*k : 2*k+2])
		if err != nil {
			return f, false, err
		}
		data[k] = byte(v)
	}
	f, err = can.NewFrame(uint32(id), data[:n], extended)
	if err != nil {
		return f, false, err
	}
	return f, true, nil
}

func parseHex(b []byte) (uint32, error) {
	var v uint32
	for _, c := range b {
		var d byte
		switch {
		case c >= '0' && c <= '9':
			d = c - '0'
		case c >= 'A' && c <= 'F':
			d = c - 'A' + 10
		case c >= 'a' && c <= 'f':
			d = c - 'a' + 10
		default:
			return 0, fmt.Errorf("slcan: bad hex digit %q", c)
		}
		v = v<<4 | uint32(d)
	}
	return v, nil
}

// CompactBuffer reclaims consumed prefix capacity when the buffer grows large
// relative to the unread bytes. It reports whether compaction happened.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}
