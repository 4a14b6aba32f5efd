package wren

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/synqronlabs/wren/dns"
	"github.com/synqronlabs/wren/metrics"
	"github.com/synqronlabs/wren/utils"
)

// Server accepts connections and runs a Session on each.
type Server struct {
	config  ServerConfig
	session Config
	logger  *slog.Logger
	sem     *semaphore.Weighted

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}

	// shutdown coordination
	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
	closed     atomic.Bool
}

// NewServer creates a new SMTP server with the given configuration.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Apply defaults
	if config.Addr == "" {
		config.Addr = ":25"
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 5 * time.Minute
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 5 * time.Minute
	}
	if config.DataTimeout == 0 {
		config.DataTimeout = 10 * time.Minute
	}
	if config.ReverseDNSTimeout == 0 {
		config.ReverseDNSTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Hooks == nil {
		config.Hooks = DefaultHooks{}
	}

	session := config.Config
	if session.Upgrader == nil && config.TLSConfig != nil {
		session.Upgrader = NewTLSUpgrader(config.TLSConfig)
	}

	s := &Server{
		config:    config,
		session:   session,
		logger:    config.Logger,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	if config.MaxConnections > 0 {
		s.sem = semaphore.NewWeighted(int64(config.MaxConnections))
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// ListenAndServe starts the SMTP server on the configured address.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// ListenAndServeTLS starts the SMTP server with implicit TLS (RFC 8314).
func (s *Server) ListenAndServeTLS() error {
	if s.config.TLSConfig == nil {
		return fmt.Errorf("%w: TLS config is required for TLS server", ErrTLSUnavailable)
	}
	listener, err := tls.Listen("tcp", s.config.Addr, s.config.TLSConfig)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen TLS: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on the listener until the server is shut
// down, then returns ErrServerClosed.
func (s *Server) Serve(listener net.Listener) error {
	if !s.trackListener(listener, true) {
		_ = listener.Close()
		return ErrServerClosed
	}
	defer s.trackListener(listener, false)

	s.logger.Info("SMTP server started",
		slog.String("addr", listener.Addr().String()),
		slog.String("hostname", s.config.Hostname),
	)

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			s.logger.Error("accept error", slog.Any("error", err), slog.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if s.sem != nil && !s.sem.TryAcquire(1) {
			s.shutdownWg.Add(1)
			go s.refuse(conn)
			continue
		}

		s.shutdownWg.Add(1)
		go s.handleConn(conn)
	}
}

// Shutdown stops accepting connections and asks every session to end
// with 421. It waits for them until ctx is done, or ShutdownTimeout if ctx
// has no deadline, then closes what is left.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.GracefulShutdown {
		return s.Close()
	}
	if _, ok := ctx.Deadline(); !ok && s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	s.closed.Store(true)
	s.closeListeners()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.closeConns()
		return ctx.Err()
	}
}

// Close immediately closes the server and all connections.
func (s *Server) Close() error {
	s.closed.Store(true)
	s.closeListeners()
	s.cancel()
	s.closeConns()
	return nil
}

func (s *Server) trackListener(l net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed.Load() {
			return false
		}
		s.listeners[l] = struct{}{}
	} else {
		delete(s.listeners, l)
	}
	return true
}

func (s *Server) trackConn(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.listeners {
		_ = l.Close()
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// refuse answers a client over MaxConnections (RFC 5321 Section 3.8).
func (s *Server) refuse(conn net.Conn) {
	defer s.shutdownWg.Done()
	defer conn.Close()

	metrics.ConnectionRefusedInc("limit")
	s.logger.Warn("connection limit reached",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.Int("limit", s.config.MaxConnections),
	)
	// No EHLO yet, so no enhanced status code.
	r := ReplyServiceUnavailable(s.config.Hostname, "Too many connections, try again later")
	r.Enhanced = ""
	b, _ := r.Bytes()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write(b)
}

// handleConn runs one session on conn.
func (s *Server) handleConn(conn net.Conn) {
	defer s.shutdownWg.Done()
	if s.sem != nil {
		defer s.sem.Release(1)
	}

	s.trackConn(conn, true)
	defer s.trackConn(conn, false)

	info := ConnInfo{
		RemoteAddr: conn.RemoteAddr(),
		LocalAddr:  conn.LocalAddr(),
	}

	// Implicit TLS completes the handshake before the greeting.
	if tlsConn, ok := conn.(*tls.Conn); ok {
		_ = conn.SetDeadline(time.Now().Add(s.config.ReadTimeout))
		if err := tlsConn.HandshakeContext(s.ctx); err != nil {
			metrics.ConnectionRefusedInc("tls")
			s.logger.Warn("TLS handshake failed",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Any("error", err),
			)
			_ = conn.Close()
			return
		}
		_ = conn.SetDeadline(time.Time{})
		state := tlsConn.ConnectionState()
		info.TLS = &state
	}

	info.ReverseDNS = s.reverseDNS(info.RemoteAddr)

	stream := newNetStream(conn, s.config.ReadTimeout, s.config.DataTimeout, s.config.WriteTimeout)
	session := NewSession(s.session, s.config.Hooks, info)
	if err := session.Serve(s.ctx, stream); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("session error",
			slog.String("session_id", session.ID()),
			slog.Any("error", err),
		)
	}
}

// reverseDNS returns the forward-confirmed name of addr, or "".
func (s *Server) reverseDNS(addr net.Addr) string {
	if s.config.Resolver == nil {
		return ""
	}
	ip, err := utils.AddrIP(addr)
	if err != nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.config.ReverseDNSTimeout)
	defer cancel()

	name, err := dns.VerifiedName(ctx, s.config.Resolver, ip)
	if err != nil && !dns.IsNotFound(err) {
		s.logger.Debug("reverse DNS lookup failed",
			slog.String("ip", ip.String()),
			slog.Any("error", err),
		)
	}
	return name
}
