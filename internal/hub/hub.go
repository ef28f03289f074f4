// Package hub fans bus frames out to bridge clients.
package hub

import (
	"log/slog"
	"sync"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/logging"
	"github.com/kstaniek/go-canreader/internal/metrics"
)

// Policy selects what happens when a client's queue is full.
type Policy int

const (
	// PolicyDrop discards the frame for that client only.
	PolicyDrop Policy = iota
	// PolicyKick closes the client.
	PolicyKick
)

const DefaultClientBuffer = 512

// Client is one bridge connection's outbound queue.
type Client struct {
	Out       chan can.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func NewClient(buf int) *Client {
	if buf <= 0 {
		buf = DefaultClientBuffer
	}
	return &Client{Out: make(chan can.Frame, buf), closed: make(chan struct{})}
}

// Closed is closed once the client has been kicked or removed.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// Close is idempotent.
func (c *Client) Close() { c.closeOnce.Do(func() { close(c.closed) }) }

type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	policy  Policy
	bufSize int
	logger  *slog.Logger
}

type Option func(*Hub)

func WithPolicy(p Policy) Option { return func(h *Hub) { h.policy = p } }

// WithClientBuffer sets the queue size for clients created by NewClient.
func WithClientBuffer(n int) Option { return func(h *Hub) { h.bufSize = n } }

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{clients: make(map[*Client]struct{}), bufSize: DefaultClientBuffer, logger: logging.Component("hub")}
	for _, o := range opts {
		o(h)
	}
	return h
}

// NewClient creates and registers a client.
func (h *Hub) NewClient() *Client {
	c := NewClient(h.bufSize)
	h.Add(c)
	return c
}

func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(n)
	if n == 1 {
		h.logger.Info("clients_first_connected")
	}
}

// Remove unregisters and closes c; safe to call more than once.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.Close()
	if !existed {
		return
	}
	metrics.SetHubClients(n)
	if n == 0 {
		h.logger.Info("clients_last_disconnected")
	}
}

// Broadcast queues fr on every client without blocking.
func (h *Hub) Broadcast(fr can.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.Out <- fr:
			continue
		default:
		}
		if h.policy == PolicyKick {
			metrics.IncHubKick()
			h.logger.Warn("client_kicked_slow")
			c.Close() // the writer exits and removes it
		} else {
			metrics.IncHubDrop()
		}
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
