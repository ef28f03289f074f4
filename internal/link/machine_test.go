package link

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/logging"
)

type adapter string

func (a adapter) DeviceID() string { return string(a) }
func (a adapter) String() string   { return "adapter " + string(a) }

// fakeTransport reports state changes to m synchronously and confirms
// disconnects on a new goroutine.
type fakeTransport struct {
	m *Machine

	mu         sync.Mutex
	connected  bool
	bound      Adapter
	binds      []Adapter
	connectErr error
	discErr    error
	hold       chan struct{} // when set, disconnect confirmation waits on it
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	err := f.connectErr
	f.mu.Unlock()
	f.m.ConnectionStateChanged(Connecting)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.m.ConnectionStateChanged(Connected)
	return nil
}

func (f *fakeTransport) Disconnect(onComplete func()) error {
	f.mu.Lock()
	if f.discErr != nil {
		f.mu.Unlock()
		return f.discErr
	}
	was := f.connected
	f.connected = false
	hold := f.hold
	f.mu.Unlock()
	go func() {
		if hold != nil {
			<-hold
		}
		if was {
			f.m.ConnectionStateChanged(Disconnecting)
			f.m.ConnectionStateChanged(Disconnected)
		}
		onComplete()
	}()
	return nil
}

func (f *fakeTransport) Send(can.Frame) error { return nil }

func (f *fakeTransport) SetAdapter(a Adapter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = a
	f.binds = append(f.binds, a)
	return nil
}

func (f *fakeTransport) SetHandler(Handler) {}

type fakeWatcher struct {
	mu       sync.Mutex
	detached map[string]func(string)
	stopped  atomic.Int64
}

func (w *fakeWatcher) Watch(id string, detached func(string)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detached == nil {
		w.detached = map[string]func(string){}
	}
	w.detached[id] = detached
	return func() {
		w.mu.Lock()
		delete(w.detached, id)
		w.mu.Unlock()
		w.stopped.Add(1)
	}
}

func (w *fakeWatcher) watching(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.detached[id] != nil
}

func (w *fakeWatcher) fire(id string) {
	w.mu.Lock()
	fn := w.detached[id]
	w.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

type recorder struct {
	mu     sync.Mutex
	states []State
	errs   []error
}

func (r *recorder) state(s State) { r.mu.Lock(); r.states = append(r.states, s); r.mu.Unlock() }
func (r *recorder) err(e error)   { r.mu.Lock(); r.errs = append(r.errs, e); r.mu.Unlock() }

func (r *recorder) snapshot() ([]State, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states), slices.Clone(r.errs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestMachine(opts ...Option) (*Machine, *fakeTransport, *recorder) {
	ft := &fakeTransport{}
	rec := &recorder{}
	base := []Option{WithLogger(logging.Discard()), WithOnState(rec.state), WithOnError(rec.err)}
	m := NewMachine(ft, append(base, opts...)...)
	ft.m = m
	return m, ft, rec
}

func TestMachine_AttachDetach(t *testing.T) {
	var leaves, connects atomic.Int64
	w := &fakeWatcher{}
	m, ft, rec := newTestMachine(
		WithWatcher(w),
		WithOnConnected(func() { connects.Add(1) }),
		WithOnLeaveConnected(func() { leaves.Add(1) }),
	)

	m.SetAdapter(adapter("usb-1"))
	waitFor(t, func() bool { return m.State() == Connected && w.watching("usb-1") })
	states, _ := rec.snapshot()
	if !slices.Equal(states, []State{Connecting, Connected}) {
		t.Fatalf("attach states %v", states)
	}
	if m.Adapter() == nil || m.Adapter().DeviceID() != "usb-1" {
		t.Fatalf("adapter not bound: %v", m.Adapter())
	}
	if connects.Load() != 1 {
		t.Fatalf("connected hook ran %d times", connects.Load())
	}
	leavesBefore := leaves.Load()

	// unrelated device
	w.fire("usb-2")
	if m.State() != Connected {
		t.Fatalf("unrelated detach changed state")
	}

	w.fire("usb-1")
	waitFor(t, func() bool { return m.State() == Disconnected && !m.Pending() && m.Adapter() == nil })
	states, errs := rec.snapshot()
	if !slices.Equal(states, []State{Connecting, Connected, Disconnecting, Disconnected}) {
		t.Fatalf("detach states %v", states)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
	if m.Adapter() != nil {
		t.Fatalf("adapter still bound")
	}
	if leaves.Load() <= leavesBefore {
		t.Fatalf("leave hook not run on detach")
	}
	ft.mu.Lock()
	bound := ft.bound
	ft.mu.Unlock()
	if bound != nil {
		t.Fatalf("transport still bound to %v", bound)
	}
	if w.stopped.Load() == 0 {
		t.Fatalf("watch not stopped")
	}
}

func TestMachine_SetAdapterNoneWhenDisconnected(t *testing.T) {
	m, _, rec := newTestMachine()
	m.SetAdapter(nil)
	waitFor(t, func() bool { return !m.Pending() })
	states, errs := rec.snapshot()
	if len(states) != 0 || len(errs) != 0 {
		t.Fatalf("states=%v errs=%v", states, errs)
	}
}

func TestMachine_ConnectFailureLeavesDisconnected(t *testing.T) {
	m, ft, rec := newTestMachine()
	ft.connectErr = errors.New("no such device")
	m.SetAdapter(adapter("tty0"))
	waitFor(t, func() bool { return m.State() == Disconnected && !m.Pending() && len(errsOf(rec)) == 1 })
	_, errs := rec.snapshot()
	if !errors.Is(errs[0], ErrTransport) {
		t.Fatalf("error not wrapped: %v", errs[0])
	}
	states, _ := rec.snapshot()
	if !slices.Equal(states, []State{Connecting, Disconnected}) {
		t.Fatalf("states %v", states)
	}
}

func TestMachine_DisconnectFailure(t *testing.T) {
	m, ft, rec := newTestMachine()
	ft.discErr = errors.New("busy")
	m.SetAdapter(adapter("tty0"))
	if m.Pending() {
		t.Fatalf("pending after failed disconnect")
	}
	_, errs := rec.snapshot()
	if len(errs) != 1 || !errors.Is(errs[0], ErrTransport) {
		t.Fatalf("errs %v", errs)
	}
	if m.State() != Disconnected {
		t.Fatalf("state %v", m.State())
	}
}

func TestMachine_NewerTargetSupersedesPending(t *testing.T) {
	m, ft, _ := newTestMachine()
	ft.hold = make(chan struct{})
	m.SetAdapter(adapter("a"))
	if !m.Pending() {
		t.Fatalf("expected pending transition")
	}
	m.SetAdapter(adapter("b"))
	close(ft.hold)
	waitFor(t, func() bool { return m.State() == Connected && !m.Pending() })
	if got := m.Adapter().DeviceID(); got != "b" {
		t.Fatalf("bound %q want b", got)
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for _, a := range ft.binds {
		if a != nil && a.DeviceID() == "a" {
			t.Fatalf("superseded adapter was bound")
		}
	}
}

func TestMachine_DetachOfPendingTarget(t *testing.T) {
	m, ft, _ := newTestMachine()
	ft.hold = make(chan struct{})
	m.SetAdapter(adapter("a"))
	m.DeviceDetached("a")
	close(ft.hold)
	waitFor(t, func() bool { return !m.Pending() })
	if m.Adapter() != nil || m.State() != Disconnected {
		t.Fatalf("adapter=%v state=%v", m.Adapter(), m.State())
	}
}

func TestMachine_OnAdapterHook(t *testing.T) {
	var got []string
	var mu sync.Mutex
	m, _, _ := newTestMachine(WithOnAdapter(func(a Adapter) {
		mu.Lock()
		defer mu.Unlock()
		if a == nil {
			got = append(got, "none")
			return
		}
		got = append(got, a.DeviceID())
	}))
	m.SetAdapter(adapter("x"))
	waitFor(t, func() bool { return m.State() == Connected })
	m.SetAdapter(nil)
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(got) == 2 })
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(got, []string{"x", "none"}) {
		t.Fatalf("hook calls %v", got)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		Disconnected:  "disconnected",
		Connecting:    "connecting",
		Connected:     "connected",
		Disconnecting: "disconnecting",
		State(42):     "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Fatalf("%d: %q want %q", s, s.String(), want)
		}
	}
}

func errsOf(r *recorder) []error { _, e := r.snapshot(); return e }

func TestMachine_StateFanOutOrdered(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rec := &recorder{}
	m := NewMachine(&fakeTransport{}, WithLogger(logging.Discard()), WithOnState(func(s State) {
		if s == Connecting {
			once.Do(func() { close(entered) })
			<-release
		}
		rec.state(s)
	}))

	done := make(chan struct{})
	go func() {
		m.ConnectionStateChanged(Connecting)
		close(done)
	}()
	<-entered
	// reported while Connecting is still being delivered
	m.ConnectionStateChanged(Connected)
	m.ConnectionStateChanged(Disconnected)
	if m.State() != Disconnected {
		t.Fatalf("state %v", m.State())
	}
	close(release)
	<-done
	got, _ := rec.snapshot()
	if want := []State{Connecting, Connected, Disconnected}; !slices.Equal(got, want) {
		t.Fatalf("states %v want %v", got, want)
	}
}

func TestMachine_StateReportFromCallback(t *testing.T) {
	rec := &recorder{}
	var m *Machine
	m = NewMachine(&fakeTransport{}, WithLogger(logging.Discard()), WithOnState(func(s State) {
		rec.state(s)
		if s == Connecting {
			m.ConnectionStateChanged(Connected)
			if got, _ := rec.snapshot(); len(got) != 1 {
				t.Errorf("nested report delivered before the outer one returned: %v", got)
			}
		}
	}))
	m.ConnectionStateChanged(Connecting)
	got, _ := rec.snapshot()
	if want := []State{Connecting, Connected}; !slices.Equal(got, want) {
		t.Fatalf("states %v want %v", got, want)
	}
}
