package cnl

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/metrics"
)

func sampleFrames() []can.Frame {
	return []can.Frame{
		can.MustFrame(0x1E5A, []byte{1, 2, 3, 4, 5, 6, 7, 8}, true),
		can.MustFrame(0x123, []byte{0xAA, 0xBB}, false),
		can.MustFrame(0x12345, nil, true),
		can.MustFrame(0x7FF, nil, false),
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	in := sampleFrames()
	wire := Codec{}.Encode(in)
	var out []can.Frame
	n, err := Codec{}.DecodeN(bytes.NewReader(wire), 0, func(f can.Frame) { out = append(out, f) })
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v", err)
	}
	if n != len(in) || len(out) != len(in) {
		t.Fatalf("decoded %d want %d", n, len(in))
	}
	for i := range in {
		if !out[i].Equal(in[i]) {
			t.Fatalf("frame %d: %v != %v", i, out[i], in[i])
		}
	}
}

func TestCodec_WireLayout(t *testing.T) {
	wire := Codec{}.Encode([]can.Frame{
		can.MustFrame(0x123, []byte{0xAA}, false),
		can.MustFrame(0x1ABCDEF0, nil, true),
	})
	want := []byte{0x00, 0x00, 0x01, 0x23, 0x01, 0xAA, 0x9A, 0xBC, 0xDE, 0xF0, 0x00}
	if !bytes.Equal(wire, want) {
		t.Fatalf("wire % X want % X", wire, want)
	}
}

func TestCodec_EncodeToMatchesEncode(t *testing.T) {
	frames := sampleFrames()
	var buf bytes.Buffer
	n, err := Codec{}.EncodeTo(&buf, frames)
	if err != nil {
		t.Fatal(err)
	}
	if n != buf.Len() || !bytes.Equal(buf.Bytes(), Codec{}.Encode(frames)) {
		t.Fatalf("EncodeTo differs from Encode")
	}
	if (Codec{}).Encode(nil) != nil {
		t.Fatalf("empty encode not nil")
	}
}

func TestCodec_DecodeErrors(t *testing.T) {
	before := metrics.Snap().Malformed
	if _, err := (Codec{}).Decode(bytes.NewReader([]byte{0, 0, 0, 1, 0x89})); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("invalid length err=%v", err)
	}
	if _, err := (Codec{}).Decode(bytes.NewReader([]byte{0, 0, 0, 2, 5, 1, 2, 3})); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("truncated payload err=%v", err)
	}
	if _, err := (Codec{}).Decode(bytes.NewReader([]byte{0, 0})); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("truncated header err=%v", err)
	}
	if got := metrics.Snap().Malformed - before; got != 3 {
		t.Fatalf("malformed delta %d want 3", got)
	}
	if _, err := (Codec{}).Decode(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("clean end err=%v", err)
	}
}

func TestCodec_SkipsRemoteAndErrorFrames(t *testing.T) {
	var wire bytes.Buffer
	// remote request (no payload) then an error frame with payload
	wire.Write([]byte{0x40, 0, 0x01, 0x00, 0x02})
	wire.Write([]byte{0x20, 0, 0, 0x04, 0x01, 0xFF})
	wire.Write(Codec{}.Encode([]can.Frame{can.MustFrame(0x10, []byte{7}, false)}))
	var got []can.Frame
	n, err := Codec{}.DecodeN(&wire, 0, func(f can.Frame) { got = append(got, f) })
	if !errors.Is(err, io.EOF) || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if !got[0].Equal(can.MustFrame(0x10, []byte{7}, false)) {
		t.Fatalf("got %v", got[0])
	}
}

func TestCodec_DecodeNLimit(t *testing.T) {
	r := bytes.NewReader(Codec{}.Encode(sampleFrames()))
	n, err := Codec{}.DecodeN(r, 2, func(can.Frame) {})
	if n != 2 || err != nil {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if r.Len() == 0 {
		t.Fatalf("limit ignored")
	}
}

func BenchmarkCodec_EncodeTo(b *testing.B) {
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = can.MustFrame(uint32(0x100+i), []byte{1, 2, 3, 4, 5, 6, 7, 8}, false)
	}
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_, _ = Codec{}.EncodeTo(&buf, frames)
	}
}

func BenchmarkCodec_DecodeN(b *testing.B) {
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = can.MustFrame(uint32(0x300+i), []byte{1, 2, 3, 4, 5, 6, 7, 8}, true)
	}
	wire := Codec{}.Encode(frames)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Codec{}.DecodeN(bytes.NewReader(wire), 0, func(can.Frame) {})
	}
}
