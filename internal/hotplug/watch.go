package hotplug

import "sync"

// watch is the stop handshake shared by the watchers. Once stop returns the
// watching goroutine has either exited or already committed to its single
// detach notification; no later one is delivered.
type watch struct {
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	exited  chan struct{}

	stopOnce sync.Once
	exitOnce sync.Once
}

func newWatch() *watch {
	return &watch{done: make(chan struct{}), exited: make(chan struct{})}
}

// exit marks the watching goroutine finished.
func (w *watch) exit() { w.exitOnce.Do(func() { close(w.exited) }) }

// commit reports whether the detach notification may still be delivered and
// releases stop. The caller must return after notifying.
func (w *watch) commit() bool {
	w.mu.Lock()
	ok := !w.stopped
	w.stopped = true
	w.mu.Unlock()
	w.exit()
	return ok
}

// stop may be called from inside the detach callback.
func (w *watch) stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.done)
	})
	<-w.exited
}
