package wren

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// Stream is the byte transport a session runs on.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// StateObserver is implemented by streams that want to know the session
// state, to pick per-state timeouts.
type StateObserver interface {
	StateChanged(State)
}

// Upgrader negotiates TLS on s after the 220 reply to STARTTLS has been
// flushed. It returns the encrypted stream and its connection state.
type Upgrader func(ctx context.Context, s Stream) (Stream, *tls.ConnectionState, error)

// NewTLSUpgrader returns an Upgrader for streams that are net.Conns.
func NewTLSUpgrader(config *tls.Config) Upgrader {
	return func(ctx context.Context, s Stream) (Stream, *tls.ConnectionState, error) {
		var conn net.Conn
		ns, wrapped := s.(*netStream)
		switch {
		case wrapped:
			conn = ns.Conn
		default:
			c, ok := s.(net.Conn)
			if !ok {
				return nil, nil, ErrTLSUnavailable
			}
			conn = c
		}

		if wrapped && ns.readTimeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(ns.readTimeout))
		}
		tlsConn := tls.Server(conn, config)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, nil, fmt.Errorf("smtp: TLS handshake: %w", err)
		}
		_ = conn.SetDeadline(time.Time{})

		state := tlsConn.ConnectionState()
		if wrapped {
			return ns.wrap(tlsConn), &state, nil
		}
		return tlsConn, &state, nil
	}
}

// netStream is a net.Conn that sets its deadlines from the session state.
// Copies made by wrap share the interrupted flag.
type netStream struct {
	net.Conn
	readTimeout  time.Duration
	dataTimeout  time.Duration
	writeTimeout time.Duration
	state        State
	interrupted  *atomic.Bool
}

func newNetStream(conn net.Conn, read, data, write time.Duration) *netStream {
	return &netStream{
		Conn:         conn,
		readTimeout:  read,
		dataTimeout:  data,
		writeTimeout: write,
		interrupted:  new(atomic.Bool),
	}
}

// Interrupt fails the pending and all later reads. Writes still work.
// It is safe to call from any goroutine.
func (s *netStream) Interrupt() {
	s.interrupted.Store(true)
	_ = s.Conn.SetReadDeadline(time.Now())
}

func (s *netStream) wrap(conn net.Conn) *netStream {
	c := *s
	c.Conn = conn
	return &c
}

// StateChanged is called from the session goroutine, the same one that
// reads and writes.
func (s *netStream) StateChanged(st State) {
	s.state = st
}

func (s *netStream) Read(p []byte) (int, error) {
	if s.interrupted.Load() {
		return 0, os.ErrDeadlineExceeded
	}
	timeout := s.readTimeout
	if s.state == StateInData && s.dataTimeout > 0 {
		timeout = s.dataTimeout
	}
	if timeout > 0 {
		if err := s.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
		// Interrupt may have run between the check and the new deadline.
		if s.interrupted.Load() {
			return 0, os.ErrDeadlineExceeded
		}
	}
	return s.Conn.Read(p)
}

func (s *netStream) Write(p []byte) (int, error) {
	if s.writeTimeout > 0 {
		if err := s.Conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return s.Conn.Write(p)
}

func tlsVersion(state *tls.ConnectionState) string {
	if state == nil {
		return ""
	}
	return tls.VersionName(state.Version)
}

func tlsCipher(state *tls.ConnectionState) string {
	if state == nil {
		return ""
	}
	return tls.CipherSuiteName(state.CipherSuite)
}
