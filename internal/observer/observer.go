// Package observer provides the subscriber sets used for event fan-out.
//
// A Set is guarded by its own mutex. Each delivers to a snapshot taken under the
// lock and invokes subscribers after releasing it, so a subscriber may add or
// remove subscribers (itself included) from inside a callback. Such changes take
// effect on the next delivery. Callbacks run synchronously on the goroutine that
// triggered the event and must return quickly; no timeout is imposed.
package observer

import "sync"

// Handle identifies one registration in a Set. The zero Handle is never issued.
type Handle uint64

type entry[T any] struct {
	h Handle
	v T
}

// Set is an ordered, concurrency-safe collection of subscribers of type T.
type Set[T any] struct {
	mu   sync.Mutex
	next Handle
	subs []entry[T]
}

// Add appends a subscriber and returns its handle.
func (s *Set[T]) Add(v T) Handle {
	s.mu.Lock()
	s.next++
	h := s.next
	s.subs = append(s.subs, entry[T]{h: h, v: v})
	s.mu.Unlock()
	return h
}

// Remove drops the registration; it reports whether h was registered.
func (s *Set[T]) Remove(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.subs {
		if e.h == h {
			// copy-on-remove keeps previously taken snapshots intact
			subs := make([]entry[T], 0, len(s.subs)-1)
			subs = append(subs, s.subs[:i]...)
			s.subs = append(subs, s.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered subscribers.
func (s *Set[T]) Len() int { s.mu.Lock(); n := len(s.subs); s.mu.Unlock(); return n }

// Snapshot returns the subscribers in registration order.
func (s *Set[T]) Snapshot() []T {
	s.mu.Lock()
	out := make([]T, len(s.subs))
	for i, e := range s.subs {
		out[i] = e.v
	}
	s.mu.Unlock()
	return out
}

// Each calls fn for every subscriber registered when Each was called.
func (s *Set[T]) Each(fn func(T)) {
	for _, v := range s.Snapshot() {
		fn(v)
	}
}
