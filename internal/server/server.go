// Package server is the cannelloni TCP bridge: bus frames fanned out by the
// hub are streamed to every client, and frames written by clients are sent
// on the bus.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/cnl"
	"github.com/kstaniek/go-canreader/internal/hub"
	"github.com/kstaniek/go-canreader/internal/logging"
	"github.com/kstaniek/go-canreader/internal/metrics"
)

// SendFunc puts a client frame on the bus.
type SendFunc func(can.Frame) error

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	readBatch               = 16
	acceptRetryDelay        = 200 * time.Millisecond
)

type Server struct {
	mu       sync.RWMutex
	addr     string
	listener net.Listener

	hub   *hub.Hub
	send  SendFunc
	codec cnl.Codec

	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	logger           *slog.Logger

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	connsMu sync.Mutex
	conns   map[*hub.Client]net.Conn
	wg      sync.WaitGroup

	nextConnID        atomic.Uint64
	totalAccepted     atomic.Uint64
	totalRejected     atomic.Uint64
	totalHandshakeErr atomic.Uint64
	totalDisconnected atomic.Uint64
	totalSendErrors   atomic.Uint64
}

type Option func(*Server)

func WithListenAddr(a string) Option { return func(s *Server) { s.addr = a } }
func WithHub(h *hub.Hub) Option      { return func(s *Server) { s.hub = h } }
func WithSend(fn SendFunc) Option    { return func(s *Server) { s.send = fn } }

func WithFlushInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithMaxClients caps concurrent clients; 0 means unlimited.
func WithMaxClients(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(opts ...Option) *Server {
	s := &Server{
		addr:             ":0",
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		conns:            make(map[*hub.Client]net.Conn),
		logger:           logging.Component("bridge"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.hub == nil {
		s.hub = hub.New(hub.WithLogger(s.logger))
	}
	if s.send == nil {
		s.send = func(can.Frame) error { return nil }
	}
	return s
}

// Hub returns the fan-out hub; feed it with bus frames.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Addr is the bound address once Ready is closed.
func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// report records err, counts it and offers it on Errors without blocking.
func (s *Server) report(err error) {
	metrics.IncError(mapErrToMetric(err))
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

// Serve listens and accepts clients until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		s.report(wrap)
		return wrap
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("bridge_listen", "addr", ln.Addr().String())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(acceptRetryDelay)
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			s.report(wrap)
			return wrap
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// handle runs the hello exchange and registers the client.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	s.totalAccepted.Add(1)
	id := s.nextConnID.Add(1)
	logger := s.logger.With("conn_id", id, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		s.report(wrap)
		s.totalHandshakeErr.Add(1)
		logger.Warn("handshake_failed", "error", err)
		_ = conn.Close()
		return
	}
	if s.maxClients > 0 && s.hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		s.totalRejected.Add(1)
		logger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	cl := s.hub.NewClient()
	s.connsMu.Lock()
	s.conns[cl] = conn
	s.connsMu.Unlock()
	logger.Info("client_connected")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(ctx, conn, logger)
		// reader ends on EOF or error; let the writer flush and exit
		s.hub.Remove(cl)
	}()
	s.writeLoop(ctx, conn, cl)
	_ = conn.Close()
	s.hub.Remove(cl)
	s.connsMu.Lock()
	delete(s.conns, cl)
	s.connsMu.Unlock()
	s.totalDisconnected.Add(1)
	logger.Info("client_disconnected")
}

// Shutdown closes the listener and every client, then waits for the
// connection goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.connsMu.Lock()
	for cl, conn := range s.conns {
		_ = conn.Close()
		s.hub.Remove(cl)
	}
	s.connsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"rejected", s.totalRejected.Load(),
			"handshake_fail", s.totalHandshakeErr.Load(),
			"disconnected", s.totalDisconnected.Load(),
			"send_errors", s.totalSendErrors.Load())
		return nil
	}
}
