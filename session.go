package wren

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	wrenio "github.com/synqronlabs/wren/io"
	"github.com/synqronlabs/wren/metrics"
	"github.com/synqronlabs/wren/utils"
)

// ConnInfo describes the transport a session runs on.
type ConnInfo struct {
	RemoteAddr net.Addr
	LocalAddr  net.Addr
	// ReverseDNS is the PTR name of the remote address, if it was looked up.
	ReverseDNS string
	// TLS is set when the stream is encrypted from the start.
	TLS *tls.ConnectionState
}

// pending is one command line waiting in the pipeline queue.
type pending struct {
	cmd       Command
	err       error
	pipelined bool
}

// Session runs the server side of one SMTP conversation. A Session is
// driven by a single goroutine through Serve; the hooks are called from
// that goroutine.
type Session struct {
	cfg    *Config
	hooks  Hooks
	logger *slog.Logger

	id          string
	conn        ConnInfo
	connectedAt time.Time

	stream Stream
	reader *bufio.Reader
	writer *bufio.Writer
	out    []byte

	state    State
	hello    *Hello
	tls      *tls.ConnectionState
	auth     *AuthInfo
	env      *Envelope
	ext      Extensions
	current  pending
	queue    []pending
	errors   int
	commands int64
	closing  bool
	// rejected is set when the connect hook rejected the client: only
	// QUIT is served (RFC 5321 Section 3.1).
	rejected bool
	result   string
}

// NewSession returns a session in StateConnected. A nil hooks uses
// DefaultHooks.
func NewSession(cfg Config, hooks Hooks, conn ConnInfo) *Session {
	if hooks == nil {
		hooks = DefaultHooks{}
	}
	c := cfg.withDefaults()
	id := utils.NewID()
	logger := c.Logger.With(slog.String("session_id", id))
	if conn.RemoteAddr != nil {
		logger = logger.With(slog.String("remote_addr", conn.RemoteAddr.String()))
	}
	return &Session{
		cfg:    c,
		hooks:  hooks,
		logger: logger,
		id:     id,
		conn:   conn,
		tls:    conn.TLS,
		state:  StateConnected,
	}
}

// ID returns the session identifier, a ULID.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state. Only call it from hooks or after Serve returned.
func (s *Session) State() State {
	return s.state
}

// Serve runs the session on stream until QUIT, a terminating decision, a
// fatal error or ctx cancellation. The stream is closed on return. A
// session ended by the client or by a decision returns nil.
func (s *Session) Serve(ctx context.Context, stream Stream) (err error) {
	s.connectedAt = time.Now()
	s.setStream(stream)
	s.setState(StateConnected)
	metrics.SessionStarted()
	s.logger.Info("session started")

	stop := context.AfterFunc(ctx, func() { interrupt(stream) })
	defer func() {
		stop()
		if err != nil && ctx.Err() != nil {
			s.reply(ReplyServiceUnavailable(s.cfg.Hostname, "Service shutting down"))
			_ = s.flush()
		}
		_ = s.stream.Close()
		s.env = nil
		s.setState(StateClosed)
		s.disconnect(ctx)

		result := s.result
		switch {
		case err != nil && ctx.Err() != nil:
			result = "shutdown"
			err = ctx.Err()
		case err != nil:
			result = "error"
		case result == "":
			result = "eof"
		}
		metrics.SessionEnded(result)
		s.logger.Info("session ended",
			slog.String("result", result),
			slog.Int64("commands", s.commands),
			slog.Duration("duration", time.Since(s.connectedAt)))
	}()

	if err := s.greet(ctx); err != nil {
		return err
	}

	for !s.closing {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.readBatch(); err != nil {
			if errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("client closed connection")
				return nil
			}
			return err
		}
		for len(s.queue) > 0 && !s.closing {
			p := s.queue[0]
			s.queue = s.queue[1:]
			if err := s.execute(ctx, p); err != nil {
				return err
			}
		}
		if err := s.flush(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) greet(ctx context.Context) error {
	d := s.decide("connect", func() Decision { return s.hooks.Connect(ctx, s.snapshot()) })
	def := ReplyTransactionFailed(s.cfg.Hostname+" Service not available", ESCDeliveryNotAuth)
	switch d.Verdict {
	case VerdictAccept:
		s.reply(acceptReply(d, ReplyServiceReady(s.cfg.Hostname, s.cfg.Banner)))
	case VerdictTerminate:
		s.reply(replyOr(d.Reply, def))
		s.closing = true
		s.result = "rejected"
	default:
		s.reply(replyOr(d.Reply, def))
		s.rejected = true
		s.result = "rejected"
	}
	return s.flush()
}

func (s *Session) disconnect(ctx context.Context) {
	defer func() {
		if x := recover(); x != nil {
			s.logger.Error("disconnect hook panicked", slog.Any("panic", x))
		}
	}()
	s.hooks.Disconnect(context.WithoutCancel(ctx), s.snapshot())
}

func (s *Session) setStream(stream Stream) {
	s.stream = stream
	s.reader = bufio.NewReader(stream)
	s.writer = bufio.NewWriter(stream)
}

func (s *Session) setState(st State) {
	s.state = st
	if o, ok := s.stream.(StateObserver); ok {
		o.StateChanged(st)
	}
}

// readBatch blocks for one command line, then queues the lines the
// client already sent behind it, up to PipelineDepth. Collection stops
// after a command whose following bytes must not be read as commands.
func (s *Session) readBatch() error {
	p, err := s.readCommand(false)
	if err != nil {
		return err
	}
	s.queue = append(s.queue, p)
	for len(s.queue) < s.cfg.PipelineDepth && !endsGroup(p) && wrenio.HasLine(s.reader) {
		p, err = s.readCommand(true)
		if err != nil {
			return err
		}
		s.queue = append(s.queue, p)
	}
	return nil
}

func endsGroup(p pending) bool {
	return p.cmd != nil && p.cmd.Verb().endsGroup()
}

func (s *Session) readCommand(pipelined bool) (pending, error) {
	line, err := wrenio.ReadLine(s.reader, s.cfg.Limits.longest())
	switch {
	case errors.Is(err, wrenio.ErrLineTooLong):
		return pending{err: &SyntaxError{Kind: KindLineTooLong, Msg: "line too long"}, pipelined: pipelined}, nil
	case err != nil:
		return pending{}, err
	}
	cmd, err := ParseCommand(line, s.cfg.Limits)
	return pending{cmd: cmd, err: err, pipelined: pipelined}, nil
}

// execute runs one queued command. A returned error is fatal to the session.
func (s *Session) execute(ctx context.Context, p pending) error {
	s.current = p
	s.commands++
	if s.cfg.MaxCommands > 0 && s.commands > s.cfg.MaxCommands {
		s.logger.Warn("command limit reached", slog.Int64("limit", s.cfg.MaxCommands))
		s.terminate(ReplyServiceUnavailable(s.cfg.Hostname, "Too many commands"))
		return nil
	}

	if s.rejected && (p.err != nil || p.cmd.Verb() != CmdQuit) {
		s.fail(ReplyBadSequence("No service, only QUIT is accepted"))
		return nil
	}

	if p.err != nil {
		metrics.CommandInc("error")
		var se *SyntaxError
		if !errors.As(p.err, &se) {
			return p.err
		}
		s.logger.Debug("syntax error", slog.String("kind", se.Kind.String()), slog.String("error", se.Error()))
		s.fail(se.Reply())
		return nil
	}

	verb := p.cmd.Verb()
	metrics.CommandInc(string(verb))
	s.logger.Debug("command", slog.String("verb", string(verb)), slog.Bool("pipelined", p.pipelined))

	if msg := sequenceError(verb, s.state); msg != "" {
		s.fail(ReplyBadSequence(msg))
		return nil
	}

	switch c := p.cmd.(type) {
	case HeloCmd:
		s.handleHello(ctx, CmdHelo, c.Domain)
	case EhloCmd:
		s.handleHello(ctx, CmdEhlo, c.Domain)
	case MailCmd:
		s.handleMail(ctx, c)
	case RcptCmd:
		s.handleRcpt(ctx, c)
	case DataCmd:
		return s.handleData(ctx)
	case RsetCmd:
		s.handleRset(ctx)
	case NoopCmd:
		s.handleNoop(ctx, c)
	case QuitCmd:
		s.handleQuit()
	case StartTLSCmd:
		return s.handleStartTLS(ctx)
	case AuthCmd:
		return s.handleAuth(ctx, c)
	case VrfyCmd:
		s.handleVrfy(ctx, c)
	case ExpnCmd:
		s.handleExpn(ctx, c)
	case HelpCmd:
		s.handleHelp(ctx, c)
	default:
		return fmt.Errorf("smtp: unhandled command %T", p.cmd)
	}
	return nil
}

// snapshot copies the session for a hook.
func (s *Session) snapshot() *SessionInfo {
	info := &SessionInfo{
		ID:          s.id,
		RemoteAddr:  s.conn.RemoteAddr,
		LocalAddr:   s.conn.LocalAddr,
		ReverseDNS:  s.conn.ReverseDNS,
		ConnectedAt: s.connectedAt,
		State:       s.state,
		TLS:         s.tls,
		Envelope:    s.env.Clone(),
		Extensions:  s.ext.clone(),
		Pipelined:   s.current.pipelined,
	}
	if s.hello != nil {
		h := *s.hello
		info.Hello = &h
	}
	if s.auth != nil {
		a := *s.auth
		info.Auth = &a
	}
	return info
}

// decide calls a hook, recording its latency. A panicking hook yields a
// terminating 451.
func (s *Session) decide(hook string, fn func() Decision) (d Decision) {
	start := time.Now()
	defer func() {
		verdict := d.Verdict.String()
		if x := recover(); x != nil {
			s.logger.Error("decision hook panicked",
				slog.String("hook", hook),
				slog.Any("panic", x),
				slog.Any("error", ErrHookPanic))
			d = Terminate(ReplyLocalError(""))
			verdict = "panic"
		}
		metrics.HookObserve(hook, verdict, time.Since(start))
	}()
	return fn()
}

// refused writes the reply for a Reject or Terminate decision and
// reports whether d was one. def is used when the hook gave no reply.
func (s *Session) refused(d Decision, def Reply) bool {
	switch d.Verdict {
	case VerdictAccept:
		return false
	case VerdictTerminate:
		s.terminate(replyOr(d.Reply, ReplyServiceUnavailable(s.cfg.Hostname, "Closing connection")))
	default:
		s.reply(replyOr(d.Reply, def))
	}
	return true
}

func acceptReply(d Decision, def Reply) Reply {
	return replyOr(d.Reply, def)
}

func replyOr(r *Reply, def Reply) Reply {
	if r != nil {
		return *r
	}
	return def
}

// fail replies to a command the session rejected on its own and closes
// the session once MaxErrors is reached.
func (s *Session) fail(r Reply) {
	s.reply(r)
	s.errors++
	if s.cfg.MaxErrors > 0 && s.errors >= s.cfg.MaxErrors {
		s.logger.Warn("error limit reached", slog.Int("errors", s.errors))
		s.terminate(ReplyServiceUnavailable(s.cfg.Hostname, "Too many errors"))
	}
}

func (s *Session) terminate(r Reply) {
	s.reply(r)
	s.closing = true
	s.result = "terminated"
	s.queue = nil
}

// reply queues r for the next flush. An invalid reply is replaced by 451
// and ends the session. Enhanced status codes are only sent once the
// client negotiated them with EHLO (RFC 2034 Section 3).
func (s *Session) reply(r Reply) {
	if err := r.Validate(); err != nil {
		s.logger.Error("invalid reply", slog.Any("error", err), slog.Int("code", int(r.Code)))
		r = ReplyLocalError("")
		s.closing = true
		s.result = "error"
		s.queue = nil
	}
	if !s.ext.EnhancedStatusCodes {
		r.Enhanced = ""
	}
	b, _ := r.AppendTo(s.out[:0])
	s.out = b
	metrics.ReplyInc(int(r.Code))
	if r.IsError() {
		s.logger.Debug("reply", slog.Int("code", int(r.Code)), slog.String("text", r.Text()))
	}
	// Write errors stick to the bufio.Writer and surface at flush.
	_, _ = s.writer.Write(b)
}

func (s *Session) flush() error {
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("smtp: writing reply: %w", err)
	}
	return nil
}

func (s *Session) resetTransaction() {
	s.env = nil
	if s.hello != nil {
		s.setState(StateGreeted)
	} else {
		s.setState(StateConnected)
	}
}

func (s *Session) remoteIP() string {
	if s.conn.RemoteAddr == nil {
		return ""
	}
	ip, err := utils.AddrIP(s.conn.RemoteAddr)
	if err != nil {
		return ""
	}
	return ip.String()
}

func (s *Session) helloText(domain Hostname) string {
	var b strings.Builder
	b.WriteString(s.cfg.Hostname)
	b.WriteString(" Hello ")
	b.WriteString(domain.Raw)
	if ip := s.remoteIP(); ip != "" {
		b.WriteString(" [")
		b.WriteString(ip)
		b.WriteString("]")
	}
	return b.String()
}

// interrupt unblocks a pending read on s so Serve can notice
// cancellation and still say goodbye. Other streams are closed.
func interrupt(s Stream) {
	if i, ok := s.(interface{ Interrupt() }); ok {
		i.Interrupt()
		return
	}
	_ = s.Close()
}
