// Package server implements the TCP accept loop, username handshake,
// admission control, and per-connection reader/writer goroutines for the
// chat relay.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irl-lan/chatrelay/internal/display"
	"github.com/irl-lan/chatrelay/internal/frame"
	"github.com/irl-lan/chatrelay/internal/logging"
	"github.com/irl-lan/chatrelay/internal/metrics"
	"github.com/irl-lan/chatrelay/internal/netutil"
	"github.com/irl-lan/chatrelay/internal/registry"
	"github.com/irl-lan/chatrelay/internal/relay"
)

// tooManyClientsMessage is sent verbatim to a client rejected for admission,
// matching the original reactor server's rejection text.
const tooManyClientsMessage = "Too many clients!"

// Server owns the TCP listener and coordinates client lifecycle.
type Server struct {
	mu   sync.RWMutex
	addr string

	Registry *registry.Registry
	Relay    *relay.Relay
	Codec    frame.Codec
	Sink     display.Sink

	backlog          int
	outBufSize       int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	readyOnce        sync.Once
	readyCh          chan struct{}
	lastErrMu        sync.Mutex
	lastErr          error
	errCh            chan error
	listener         net.Listener
	clientsMu        sync.RWMutex
	clients          map[*registry.Record]net.Conn
	wg               sync.WaitGroup
	logger           *slog.Logger
	nextConnID       uint64

	totalAccepted      atomic.Uint64
	totalHandshakeFail atomic.Uint64
	totalConnected     atomic.Uint64
	totalDisconnected  atomic.Uint64
	totalRejected      atomic.Uint64
}

const (
	defaultReadDeadline     = 10 * time.Minute
	defaultHandshakeTimeout = 3 * time.Second
	defaultBacklog          = 16
	defaultOutBufSize       = 64
)

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// NewServer builds a Server with the given options applied over defaults.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		backlog:          defaultBacklog,
		outBufSize:       defaultOutBufSize,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*registry.Record]net.Conn),
		logger:           logging.L(),
		Sink:             display.NewConsoleSink(bytes.NewReader(nil), os.Stdout),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption          { return func(s *Server) { s.addr = a } }
func WithRegistry(r *registry.Registry) ServerOption { return func(s *Server) { s.Registry = r } }
func WithRelay(r *relay.Relay) ServerOption          { return func(s *Server) { s.Relay = r } }

// WithDisplay sets the sink the accept loop writes admission lines to. The
// relay's transmitter writes relayed payloads through its own sink
// (relay.WithDisplay); the two are typically the same underlying sink.
func WithDisplay(sink display.Sink) ServerOption {
	return func(s *Server) {
		if sink != nil {
			s.Sink = sink
		}
	}
}

func WithBacklog(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.backlog = n
		}
	}
}

func WithOutBufSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.outBufSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// Serve accepts TCP clients and spawns reader/writer goroutines for each.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	if addr == "" {
		addr = ":0"
	}
	s.mu.Unlock()

	ln, err := netutil.Listen(addr, s.backlog)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.listener = ln
	if s.readyCh != nil {
		s.readyOnce.Do(func() { close(s.readyCh) })
	}
	s.logger.Info("tcp_listen", "addr", s.Addr(), "backlog", s.backlog)
	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection, performs the username handshake,
// admits (or rejects) it, and spawns its reader/writer goroutines.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	username, err := usernameHandshake(ctx, conn, &s.Codec, s.handshakeTimeout)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.totalHandshakeFail.Add(1)
		connLogger.Warn("handshake_failed", "error", wrap)
		_ = conn.Close()
		return nil
	}

	rec, err := s.Registry.Insert(username, s.outBufSize)
	if err != nil {
		s.totalRejected.Add(1)
		metrics.IncRelayReject()
		connLogger.Warn("client_rejected", "username", username, "reason", err)
		_, _ = s.Codec.EncodeTo(conn, []byte(tooManyClientsMessage))
		_ = conn.Close()
		return nil
	}

	s.clientsMu.Lock()
	s.clients[rec] = conn
	s.clientsMu.Unlock()
	s.totalConnected.Add(1)
	metrics.SetActiveClients(s.Registry.ActiveCount())
	connLogger.Info("client_connected", "username", username, "client_id", rec.ID)
	s.Sink.Lock()
	s.Sink.Write("[info] Received connection")
	s.Sink.Unlock()

	s.startWriter(ctx.Done(), conn, rec, connLogger)
	s.startReader(ctx.Done(), conn, rec, connLogger)
	return nil
}

// Shutdown gracefully closes all resources, waiting for reader/writer
// goroutines to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for rec, conn := range s.clients {
		_ = conn.Close()
		rec.MarkClosed()
		delete(s.clients, rec)
	}
	s.clientsMu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"handshake_fail", s.totalHandshakeFail.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load(),
			"rejected", s.totalRejected.Load(),
		)
		return nil
	}
}
