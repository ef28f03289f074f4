package slcan

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/link"
	"github.com/kstaniek/go-canreader/internal/transport"
)

// scriptPort returns queued reads in order, then blocks until closed.
type scriptPort struct {
	mu     sync.Mutex
	reads  []readResult
	writes []string
	closed chan struct{}
	once   sync.Once
}

type readResult struct {
	data string
	err  error
}

func newScriptPort(reads ...readResult) *scriptPort {
	return &scriptPort{reads: reads, closed: make(chan struct{})}
}

func (p *scriptPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.reads) > 0 {
		r := p.reads[0]
		p.reads = p.reads[1:]
		p.mu.Unlock()
		return copy(b, r.data), r.err
	}
	p.mu.Unlock()
	<-p.closed
	return 0, &os.PathError{Op: "read", Path: "/dev/ttyACM0", Err: os.ErrClosed}
}

func (p *scriptPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, string(b))
	return len(b), nil
}

func (p *scriptPort) Close() error { p.once.Do(func() { close(p.closed) }); return nil }

func (p *scriptPort) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

func withPort(t *testing.T, p Port) {
	t.Helper()
	orig := openPort
	openPort = func(string, int, time.Duration) (Port, error) { return p, nil }
	t.Cleanup(func() { openPort = orig })
}

func TestDial_ProgramsAdapter(t *testing.T) {
	p := newScriptPort()
	withPort(t, p)
	specs := can.NewBusSpecs()
	if err := specs.SetSpeed(125000); err != nil {
		t.Fatal(err)
	}
	c, err := Dialer{Baud: 115200}.Dial(context.Background(), Adapter{Path: "/dev/ttyACM0"}, specs)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteFrame(can.MustFrame(0x321, []byte{0xFF}, false)); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	got := p.written()
	want := []string{"C\r", "S4\r", "O\r", "t3211FF\r", "C\r"}
	if len(got) != len(want) {
		t.Fatalf("writes %q want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write %d: %q want %q", i, got[i], want[i])
		}
	}
}

type otherAdapter struct{}

func (otherAdapter) DeviceID() string { return "x" }
func (otherAdapter) String() string   { return "x" }

func TestDial_RejectsForeignAdapter(t *testing.T) {
	var a link.Adapter = otherAdapter{}
	if _, err := (Dialer{}).Dial(context.Background(), a, can.NewBusSpecs()); !errors.Is(err, ErrAdapterType) {
		t.Fatalf("err=%v", err)
	}
}

func TestReadFrames_DecodesWarnsAndEndsOnPathError(t *testing.T) {
	origSleep := transport.Sleep
	transport.Sleep = func(time.Duration) {}
	defer func() { transport.Sleep = origSleep }()

	p := newScriptPort(
		readResult{data: "t1001"},
		readResult{data: "0A\r\a"},
		readResult{err: io.EOF},
		readResult{err: errors.New("framing error")},
		readResult{data: "T000000010\r"},
	)
	c := &Conn{port: p}
	var frames []can.Frame
	var warns []error
	done := make(chan error, 1)
	go func() {
		done <- c.ReadFrames(context.Background(),
			func(f can.Frame) { frames = append(frames, f) },
			func(err error) { warns = append(warns, err) })
	}()
	// let the script drain, then pull the device
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		n := len(p.reads)
		p.mu.Unlock()
		if n == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	_ = p.Close()
	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop did not end")
	}
	var perr *os.PathError
	if !errors.As(err, &perr) {
		t.Fatalf("err=%v", err)
	}
	if len(frames) != 2 || !frames[0].Equal(can.MustFrame(0x100, []byte{0x0A}, false)) || !frames[1].Extended() {
		t.Fatalf("frames %v", frames)
	}
	if len(warns) != 2 || !errors.Is(warns[0], ErrBell) {
		t.Fatalf("warns %v", warns)
	}
}

func TestReadFrames_StopsOnCancel(t *testing.T) {
	p := newScriptPort()
	c := &Conn{port: p}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.ReadFrames(ctx, func(can.Frame) {}, func(error) {}) }()
	cancel()
	_ = c.Close()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop did not end")
	}
}

func TestAdapter_Identity(t *testing.T) {
	a := Adapter{Path: "/dev/ttyUSB0"}
	if a.DeviceID() != "/dev/ttyUSB0" || a.String() != "slcan:/dev/ttyUSB0" {
		t.Fatalf("%q %q", a.DeviceID(), a.String())
	}
	a.ID = "0403:6015:A1B2"
	if a.DeviceID() != "0403:6015:A1B2" {
		t.Fatalf("id %q", a.DeviceID())
	}
}
