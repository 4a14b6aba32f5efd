package wren

import (
	"crypto/tls"
	"net"
	"time"
)

// State is the protocol state of a session (RFC 5321 Section 4.1.4).
type State int

const (
	// StateConnected is the state after the banner and after STARTTLS:
	// the client has to greet before anything else.
	StateConnected State = iota
	// StateGreeted indicates HELO/EHLO was accepted and no transaction is open.
	StateGreeted
	// StateMailReady indicates MAIL was accepted.
	StateMailReady
	// StateRcptAccepted indicates at least one RCPT was accepted.
	StateRcptAccepted
	// StateInData indicates the message body is being received.
	StateInData
	// StateClosed is terminal.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateGreeted:
		return "GREETED"
	case StateMailReady:
		return "MAIL"
	case StateRcptAccepted:
		return "RCPT"
	case StateInData:
		return "DATA"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// inTransaction reports whether an envelope is open.
func (s State) inTransaction() bool {
	return s == StateMailReady || s == StateRcptAccepted
}

// sequenceError returns the text of the 503 reply when verb may not be
// issued in state s, or "" when it may.
func sequenceError(v Verb, s State) string {
	switch v {
	case CmdHelo, CmdEhlo:
		if s != StateConnected {
			return "Already greeted"
		}
	case CmdMail:
		switch s {
		case StateConnected:
			return "Send HELO/EHLO first"
		case StateMailReady, StateRcptAccepted:
			return "Nested MAIL command"
		}
	case CmdRcpt:
		if !s.inTransaction() {
			return "Need MAIL before RCPT"
		}
	case CmdData:
		switch s {
		case StateRcptAccepted:
		case StateMailReady:
			return "Need RCPT before DATA"
		default:
			return "Need MAIL before DATA"
		}
	case CmdStartTLS, CmdAuth:
		switch s {
		case StateConnected:
			return "Send EHLO first"
		case StateMailReady, StateRcptAccepted:
			return string(v) + " not allowed during a mail transaction"
		}
	}
	return ""
}

// Hello records the accepted HELO or EHLO.
type Hello struct {
	Verb   Verb
	Domain Hostname
}

// IsExtended reports whether the client greeted with EHLO.
func (h Hello) IsExtended() bool {
	return h.Verb == CmdEhlo
}

// AuthInfo describes a successful AUTH exchange.
type AuthInfo struct {
	Mechanism       string
	Identity        string
	AuthenticatedAt time.Time
}

// SessionInfo is the snapshot of a session handed to decision hooks.
// It is a copy: hooks can keep it, but changing it has no effect.
type SessionInfo struct {
	ID          string
	RemoteAddr  net.Addr
	LocalAddr   net.Addr
	ReverseDNS  string
	ConnectedAt time.Time
	State       State
	// Hello is nil until HELO/EHLO was accepted.
	Hello *Hello
	// TLS is nil unless the stream is encrypted.
	TLS *tls.ConnectionState
	// Auth is nil unless the client authenticated.
	Auth *AuthInfo
	// Envelope is nil outside a mail transaction.
	Envelope *Envelope
	// Extensions offered in the last EHLO reply.
	Extensions Extensions
	// Pipelined is set when the current command arrived in the same
	// batch as the one before it.
	Pipelined bool
}

// IsTLS reports whether the session is encrypted.
func (i *SessionInfo) IsTLS() bool {
	return i.TLS != nil
}

// IsAuthenticated reports whether the client authenticated.
func (i *SessionInfo) IsAuthenticated() bool {
	return i.Auth != nil
}
