// Package cnl implements the cannelloni TCP framing used by the bridge:
// a 12 byte hello exchange followed by a stream of frames, each a 4 byte
// big-endian can_id, a length byte and the payload.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/metrics"
)

var (
	// ErrInvalidLength is returned when the length byte is above 8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the stream ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
	// ErrUnsupportedFrame marks remote and error frames, which the bus model
	// does not carry. The frame is consumed so the stream stays aligned.
	ErrUnsupportedFrame = errors.New("cannelloni: unsupported frame")
)

const (
	lenMask       = 0x7F
	frameOverhead = 4 + 1
)

// Codec is stateless and safe for concurrent use.
type Codec struct{}

// Encode packs frames back to back.
func (c Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (frameOverhead + can.MaxLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames to w and returns the byte count written.
func (c Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var rec [frameOverhead + can.MaxLen]byte
	for _, f := range frames {
		binary.BigEndian.PutUint32(rec[:4], f.CANID())
		rec[4] = byte(f.Len())
		for i := 0; i < f.Len(); i++ {
			rec[frameOverhead+i] = f.Byte(i)
		}
		n, err := w.Write(rec[:frameOverhead+f.Len()])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode %s: %w", f, err)
		}
	}
	return total, nil
}

// Decode reads one frame. It returns io.EOF at a clean frame boundary.
func (c Codec) Decode(r io.Reader) (can.Frame, error) {
	var hdr [frameOverhead]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return can.Frame{}, err
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		return can.Frame{}, truncated(err)
	}
	canID := binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & lenMask)
	if ln > can.MaxLen {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("%w (%d)", ErrInvalidLength, ln)
	}
	if canID&can.CAN_RTR_FLAG != 0 {
		// remote requests carry a length but no payload
		return can.Frame{}, fmt.Errorf("%w: remote 0x%X", ErrUnsupportedFrame, canID)
	}
	var data [can.MaxLen]byte
	if _, err := io.ReadFull(r, data[:ln]); err != nil {
		return can.Frame{}, truncated(err)
	}
	if canID&can.CAN_ERR_FLAG != 0 {
		return can.Frame{}, fmt.Errorf("%w: error frame 0x%X", ErrUnsupportedFrame, canID)
	}
	f, err := can.FromCANID(canID, data[:ln])
	if err != nil {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("cannelloni decode: %w", err)
	}
	return f, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		metrics.IncMalformed()
		return ErrTruncatedFrame
	}
	return err
}

// DecodeN decodes up to max frames (unbounded when max <= 0), calling onFrame
// for each. Unsupported frames are skipped. It returns the number of frames
// delivered and the error that stopped decoding, if any.
func (c Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if errors.Is(err, ErrUnsupportedFrame) {
			continue
		}
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
