package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/metrics"
)

var fr = can.MustFrame(0x123, []byte{1}, false)

func TestBroadcast_DropDoesNotBlock(t *testing.T) {
	h := New(WithClientBuffer(4))
	cl := h.NewClient()
	defer h.Remove(cl)

	before := metrics.Snap().HubDrops
	start := time.Now()
	for range 1000 {
		h.Broadcast(fr)
	}
	if el := time.Since(start); el > time.Second {
		t.Fatalf("broadcast took %s", el)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("queue len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
	if got := metrics.Snap().HubDrops - before; got != 996 {
		t.Fatalf("drops %d want 996", got)
	}
}

func TestBroadcast_SlowClientDoesNotStarveOthers(t *testing.T) {
	h := New()
	slow := NewClient(1)
	fast := NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	for range 10 {
		h.Broadcast(fr)
	}
	if len(slow.Out) != 1 || len(fast.Out) != 10 {
		t.Fatalf("slow=%d fast=%d", len(slow.Out), len(fast.Out))
	}
}

func TestBroadcast_KickPolicy(t *testing.T) {
	h := New(WithPolicy(PolicyKick))
	cl := NewClient(1)
	h.Add(cl)
	h.Broadcast(fr)
	select {
	case <-cl.Closed():
		t.Fatalf("kicked before queue was full")
	default:
	}
	h.Broadcast(fr)
	select {
	case <-cl.Closed():
	default:
		t.Fatalf("slow client not kicked")
	}
	h.Remove(cl)
	h.Remove(cl)
	if h.Count() != 0 {
		t.Fatalf("count %d", h.Count())
	}
}
