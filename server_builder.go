package wren

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"time"

	"github.com/synqronlabs/wren/dns"
)

// ServerBuilder provides a fluent API for configuring an SMTP server.
//
//	srv, err := wren.New("mx.example.com").
//		Addr(":25").
//		TLS(tlsConfig).
//		MaxMessageSize(25 << 20).
//		OnRcpt(checkMailbox).
//		OnData(deliver).
//		Build()
type ServerBuilder struct {
	config    ServerConfig
	hooks     Hooks
	callbacks Callbacks
	guard     *Guard
}

// New starts a builder from DefaultServerConfig(hostname).
func New(hostname string) *ServerBuilder {
	return &ServerBuilder{config: DefaultServerConfig(hostname)}
}

// Addr sets the listen address. Default ":25".
func (b *ServerBuilder) Addr(addr string) *ServerBuilder {
	b.config.Addr = addr
	return b
}

// Logger sets the server and session logger.
func (b *ServerBuilder) Logger(logger *slog.Logger) *ServerBuilder {
	b.config.Logger = logger
	return b
}

// Banner sets the text following the hostname in the 220 greeting.
func (b *ServerBuilder) Banner(text string) *ServerBuilder {
	b.config.Banner = text
	return b
}

// TLS enables STARTTLS, and implicit TLS through RunTLS.
func (b *ServerBuilder) TLS(config *tls.Config) *ServerBuilder {
	b.config.TLSConfig = config
	return b
}

// RequireTLS refuses MAIL and AUTH before STARTTLS.
func (b *ServerBuilder) RequireTLS() *ServerBuilder {
	b.config.RequireTLS = true
	return b
}

func (b *ServerBuilder) ReadTimeout(d time.Duration) *ServerBuilder {
	b.config.ReadTimeout = d
	return b
}

func (b *ServerBuilder) WriteTimeout(d time.Duration) *ServerBuilder {
	b.config.WriteTimeout = d
	return b
}

// DataTimeout bounds each read while receiving a message body.
func (b *ServerBuilder) DataTimeout(d time.Duration) *ServerBuilder {
	b.config.DataTimeout = d
	return b
}

// MaxMessageSize sets the SIZE limit in bytes (0 = unlimited).
func (b *ServerBuilder) MaxMessageSize(size int64) *ServerBuilder {
	b.config.MaxMessageSize = size
	return b
}

func (b *ServerBuilder) MaxRecipients(n int) *ServerBuilder {
	b.config.MaxRecipients = n
	return b
}

func (b *ServerBuilder) MaxConnections(n int) *ServerBuilder {
	b.config.MaxConnections = n
	return b
}

func (b *ServerBuilder) MaxCommands(n int64) *ServerBuilder {
	b.config.MaxCommands = n
	return b
}

func (b *ServerBuilder) MaxErrors(n int) *ServerBuilder {
	b.config.MaxErrors = n
	return b
}

// Limits sets the command line length limits.
func (b *ServerBuilder) Limits(l Limits) *ServerBuilder {
	b.config.Limits = l
	return b
}

// PipelineDepth bounds the number of queued pipelined commands.
func (b *ServerBuilder) PipelineDepth(n int) *ServerBuilder {
	b.config.PipelineDepth = n
	return b
}

// DisablePipelining stops advertising PIPELINING.
func (b *ServerBuilder) DisablePipelining() *ServerBuilder {
	b.config.DisablePipelining = true
	return b
}

// DisableSMTPUTF8 stops advertising SMTPUTF8 and refuses UTF-8 addresses.
func (b *ServerBuilder) DisableSMTPUTF8() *ServerBuilder {
	b.config.DisableSMTPUTF8 = true
	return b
}

// ReverseDNS looks up the forward-confirmed name of every client
// before the connect hook.
func (b *ServerBuilder) ReverseDNS(r dns.Resolver) *ServerBuilder {
	b.config.Resolver = r
	return b
}

// GracefulShutdown enables or disables graceful shutdown.
// When enabled (default), Shutdown lets sessions reply 421 and finish.
func (b *ServerBuilder) GracefulShutdown(enabled bool) *ServerBuilder {
	b.config.GracefulShutdown = enabled
	return b
}

// ShutdownTimeout bounds Shutdown when its context has no deadline.
func (b *ServerBuilder) ShutdownTimeout(d time.Duration) *ServerBuilder {
	b.config.ShutdownTimeout = d
	return b
}

// Auth offers the given SASL mechanisms and decides credentials with fn.
func (b *ServerBuilder) Auth(mechanisms []string, fn func(ctx context.Context, s *SessionInfo, req AuthRequest) Decision) *ServerBuilder {
	b.config.AuthMechanisms = mechanisms
	b.callbacks.OnAuth = fn
	return b
}

// RequireAuth refuses MAIL until the client authenticated.
func (b *ServerBuilder) RequireAuth() *ServerBuilder {
	b.config.RequireAuth = true
	return b
}

// AllowInsecureAuth offers AUTH without TLS. Only for testing.
func (b *ServerBuilder) AllowInsecureAuth() *ServerBuilder {
	b.config.AllowInsecureAuth = true
	return b
}

// Hooks replaces the On* callbacks with h.
func (b *ServerBuilder) Hooks(h Hooks) *ServerBuilder {
	b.hooks = h
	return b
}

// Guard runs g's checks in front of the hooks.
func (b *ServerBuilder) Guard(g *Guard) *ServerBuilder {
	b.guard = g
	return b
}

func (b *ServerBuilder) OnConnect(fn func(ctx context.Context, s *SessionInfo) Decision) *ServerBuilder {
	b.callbacks.OnConnect = fn
	return b
}

func (b *ServerBuilder) OnDisconnect(fn func(ctx context.Context, s *SessionInfo)) *ServerBuilder {
	b.callbacks.OnDisconnect = fn
	return b
}

// OnHello is called for both HELO and EHLO.
func (b *ServerBuilder) OnHello(fn func(ctx context.Context, s *SessionInfo, h Hello) Decision) *ServerBuilder {
	b.callbacks.OnHello = fn
	return b
}

func (b *ServerBuilder) OnStartTLS(fn func(ctx context.Context, s *SessionInfo) Decision) *ServerBuilder {
	b.callbacks.OnStartTLS = fn
	return b
}

func (b *ServerBuilder) OnMail(fn func(ctx context.Context, s *SessionInfo, cmd MailCmd) Decision) *ServerBuilder {
	b.callbacks.OnMail = fn
	return b
}

func (b *ServerBuilder) OnRcpt(fn func(ctx context.Context, s *SessionInfo, cmd RcptCmd) Decision) *ServerBuilder {
	b.callbacks.OnRcpt = fn
	return b
}

// OnDataStart decides whether the client may send the body.
func (b *ServerBuilder) OnDataStart(fn func(ctx context.Context, s *SessionInfo) Decision) *ServerBuilder {
	b.callbacks.OnDataStart = fn
	return b
}

// OnData receives the unstuffed body. fn must consume body before
// returning; the session drains what is left.
func (b *ServerBuilder) OnData(fn func(ctx context.Context, s *SessionInfo, body io.Reader) Decision) *ServerBuilder {
	b.callbacks.OnData = fn
	return b
}

func (b *ServerBuilder) OnReset(fn func(ctx context.Context, s *SessionInfo) Decision) *ServerBuilder {
	b.callbacks.OnReset = fn
	return b
}

func (b *ServerBuilder) OnVerify(fn func(ctx context.Context, s *SessionInfo, arg string) Decision) *ServerBuilder {
	b.callbacks.OnVerify = fn
	return b
}

func (b *ServerBuilder) OnExpand(fn func(ctx context.Context, s *SessionInfo, arg string) Decision) *ServerBuilder {
	b.callbacks.OnExpand = fn
	return b
}

func (b *ServerBuilder) OnHelp(fn func(ctx context.Context, s *SessionInfo, topic string) Decision) *ServerBuilder {
	b.callbacks.OnHelp = fn
	return b
}

func (b *ServerBuilder) OnNoop(fn func(ctx context.Context, s *SessionInfo, arg string) Decision) *ServerBuilder {
	b.callbacks.OnNoop = fn
	return b
}

// Config returns the configuration Build would use.
func (b *ServerBuilder) Config() ServerConfig {
	config := b.config
	config.Hooks = b.buildHooks()
	return config
}

// Build creates a Server from the builder configuration.
func (b *ServerBuilder) Build() (*Server, error) {
	return NewServer(b.Config())
}

func (b *ServerBuilder) buildHooks() Hooks {
	var hooks Hooks = b.hooks
	if hooks == nil {
		cb := b.callbacks
		hooks = &cb
	}
	if b.guard != nil {
		g := *b.guard
		g.Hooks = hooks
		hooks = &g
	}
	return hooks
}

// Run builds and starts the server.
// This is a convenience method equivalent to Build() followed by ListenAndServe().
func (b *ServerBuilder) Run() error {
	server, err := b.Build()
	if err != nil {
		return err
	}
	return server.ListenAndServe()
}

// RunTLS builds and starts the server with implicit TLS.
// TLS must be configured with TLS() before calling this method.
func (b *ServerBuilder) RunTLS() error {
	server, err := b.Build()
	if err != nil {
		return err
	}
	return server.ListenAndServeTLS()
}
