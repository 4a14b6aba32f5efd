package wren

import (
	"crypto/tls"
	"time"

	"github.com/synqronlabs/wren/dns"
)

// ServerConfig contains configuration options for the SMTP server.
// Prefer using the builder pattern via wren.New().
type ServerConfig struct {
	// Config is applied to every session. Upgrader is derived from
	// TLSConfig when left nil.
	Config

	Addr      string
	TLSConfig *tls.Config

	// Hooks decides every session. Nil means DefaultHooks.
	Hooks Hooks

	// MaxConnections bounds concurrent sessions (0 = unlimited).
	// Clients over the limit get 421 and are disconnected.
	MaxConnections int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DataTimeout  time.Duration

	// Resolver looks up the client's reverse DNS name before the
	// connect hook runs. Nil skips the lookup.
	Resolver          dns.Resolver
	ReverseDNSTimeout time.Duration

	// GracefulShutdown lets Shutdown wait for sessions to say 421
	// and finish. Without it Shutdown closes connections at once.
	GracefulShutdown bool
	ShutdownTimeout  time.Duration
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig(hostname string) ServerConfig {
	return ServerConfig{
		Config:            DefaultConfig(hostname),
		Addr:              ":25",
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		DataTimeout:       10 * time.Minute,
		ReverseDNSTimeout: 5 * time.Second,
		GracefulShutdown:  true,
		ShutdownTimeout:   30 * time.Second,
	}
}

// SubmissionConfig returns a ServerConfig for mail submission (port 587).
func SubmissionConfig(hostname string) ServerConfig {
	config := DefaultServerConfig(hostname)
	config.Addr = ":587"
	config.AuthMechanisms = []string{"PLAIN", "LOGIN"}
	config.RequireAuth = true
	config.RequireTLS = true
	return config
}
