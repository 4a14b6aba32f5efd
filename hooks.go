package wren

import (
	"context"
	"io"

	"github.com/synqronlabs/wren/sasl"
)

// Verdict is the outcome of a decision hook.
type Verdict int

const (
	// VerdictAccept lets the command proceed.
	VerdictAccept Verdict = iota
	// VerdictReject refuses the command; the session continues in its prior state.
	VerdictReject
	// VerdictTerminate refuses the command and closes the session after the reply.
	VerdictTerminate
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictReject:
		return "reject"
	case VerdictTerminate:
		return "terminate"
	}
	return "unknown"
}

// Decision is what a hook returns. A nil Reply makes the session use its
// default reply for the verdict.
type Decision struct {
	Verdict Verdict
	Reply   *Reply
	// Path, when set on an accepted MAIL or RCPT, replaces the path
	// recorded in the envelope.
	Path *Path
}

// Accept lets the command proceed with the default reply.
func Accept() Decision {
	return Decision{Verdict: VerdictAccept}
}

// AcceptWith lets the command proceed and replaces the default reply.
func AcceptWith(r Reply) Decision {
	return Decision{Verdict: VerdictAccept, Reply: &r}
}

// Rewrite accepts a MAIL or RCPT and records p instead of the path sent.
func Rewrite(p Path) Decision {
	return Decision{Verdict: VerdictAccept, Path: &p}
}

// Reject refuses the command with r.
func Reject(r Reply) Decision {
	return Decision{Verdict: VerdictReject, Reply: &r}
}

// Rejectf refuses the command with a single-line reply.
func Rejectf(code Code, enhanced EnhancedCode, format string, args ...any) Decision {
	return Reject(Replyf(code, enhanced, format, args...))
}

// Terminate refuses the command with r and closes the session.
func Terminate(r Reply) Decision {
	return Decision{Verdict: VerdictTerminate, Reply: &r}
}

// AuthRequest is handed to the Auth hook after a completed SASL exchange.
type AuthRequest struct {
	Mechanism   string
	Credentials sasl.Credentials
}

// Hooks is the policy collaborator of a session. Every method is called
// from the session goroutine, one at a time per session; implementations
// shared between sessions must be safe for concurrent use.
type Hooks interface {
	// Connect decides whether the client gets a 220 banner.
	Connect(ctx context.Context, s *SessionInfo) Decision
	Hello(ctx context.Context, s *SessionInfo, h Hello) Decision
	StartTLS(ctx context.Context, s *SessionInfo) Decision
	// Auth checks credentials; accepting authenticates the session.
	Auth(ctx context.Context, s *SessionInfo, req AuthRequest) Decision
	Mail(ctx context.Context, s *SessionInfo, cmd MailCmd) Decision
	Rcpt(ctx context.Context, s *SessionInfo, cmd RcptCmd) Decision
	// DataStart decides whether the client may send the body (354).
	DataStart(ctx context.Context, s *SessionInfo) Decision
	// Data receives the unstuffed body. A read error means the body is
	// invalid or the transfer failed; the decision is then ignored.
	Data(ctx context.Context, s *SessionInfo, body io.Reader) Decision
	Reset(ctx context.Context, s *SessionInfo) Decision
	Verify(ctx context.Context, s *SessionInfo, arg string) Decision
	Expand(ctx context.Context, s *SessionInfo, arg string) Decision
	Help(ctx context.Context, s *SessionInfo, topic string) Decision
	Noop(ctx context.Context, s *SessionInfo, arg string) Decision
	// Disconnect is called once when the session ends.
	Disconnect(ctx context.Context, s *SessionInfo)
}

// DefaultHooks accepts mail and refuses what needs a policy to be granted:
// authentication and address expansion. VRFY gets the non-committal 252.
// Embed it to override a subset of Hooks.
type DefaultHooks struct{}

var _ Hooks = DefaultHooks{}

func (DefaultHooks) Connect(context.Context, *SessionInfo) Decision  { return Accept() }
func (DefaultHooks) Hello(context.Context, *SessionInfo, Hello) Decision { return Accept() }
func (DefaultHooks) StartTLS(context.Context, *SessionInfo) Decision { return Accept() }

func (DefaultHooks) Auth(context.Context, *SessionInfo, AuthRequest) Decision {
	return Reject(ReplyAuthCredentialsInvalid(""))
}

func (DefaultHooks) Mail(context.Context, *SessionInfo, MailCmd) Decision { return Accept() }
func (DefaultHooks) Rcpt(context.Context, *SessionInfo, RcptCmd) Decision { return Accept() }
func (DefaultHooks) DataStart(context.Context, *SessionInfo) Decision     { return Accept() }

func (DefaultHooks) Data(_ context.Context, _ *SessionInfo, body io.Reader) Decision {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return Reject(ReplyLocalError(""))
	}
	return Accept()
}

func (DefaultHooks) Reset(context.Context, *SessionInfo) Decision { return Accept() }

func (DefaultHooks) Verify(context.Context, *SessionInfo, string) Decision {
	return AcceptWith(ReplyCannotVRFY(""))
}

func (DefaultHooks) Expand(context.Context, *SessionInfo, string) Decision {
	return Reject(ReplyCommandNotImplemented(string(CmdExpn)))
}

func (DefaultHooks) Help(context.Context, *SessionInfo, string) Decision {
	return AcceptWith(NewReply(CodeHelpMessage, ESCSuccess, "See RFC 5321"))
}

func (DefaultHooks) Noop(context.Context, *SessionInfo, string) Decision { return Accept() }
func (DefaultHooks) Disconnect(context.Context, *SessionInfo)            {}

// Callbacks adapts optional functions to Hooks. Nil fields fall back to
// DefaultHooks.
type Callbacks struct {
	OnConnect    func(ctx context.Context, s *SessionInfo) Decision
	OnHello      func(ctx context.Context, s *SessionInfo, h Hello) Decision
	OnStartTLS   func(ctx context.Context, s *SessionInfo) Decision
	OnAuth       func(ctx context.Context, s *SessionInfo, req AuthRequest) Decision
	OnMail       func(ctx context.Context, s *SessionInfo, cmd MailCmd) Decision
	OnRcpt       func(ctx context.Context, s *SessionInfo, cmd RcptCmd) Decision
	OnDataStart  func(ctx context.Context, s *SessionInfo) Decision
	OnData       func(ctx context.Context, s *SessionInfo, body io.Reader) Decision
	OnReset      func(ctx context.Context, s *SessionInfo) Decision
	OnVerify     func(ctx context.Context, s *SessionInfo, arg string) Decision
	OnExpand     func(ctx context.Context, s *SessionInfo, arg string) Decision
	OnHelp       func(ctx context.Context, s *SessionInfo, topic string) Decision
	OnNoop       func(ctx context.Context, s *SessionInfo, arg string) Decision
	OnDisconnect func(ctx context.Context, s *SessionInfo)
}

var _ Hooks = (*Callbacks)(nil)

var defaults DefaultHooks

func (c *Callbacks) Connect(ctx context.Context, s *SessionInfo) Decision {
	if c == nil || c.OnConnect == nil {
		return defaults.Connect(ctx, s)
	}
	return c.OnConnect(ctx, s)
}

func (c *Callbacks) Hello(ctx context.Context, s *SessionInfo, h Hello) Decision {
	if c == nil || c.OnHello == nil {
		return defaults.Hello(ctx, s, h)
	}
	return c.OnHello(ctx, s, h)
}

func (c *Callbacks) StartTLS(ctx context.Context, s *SessionInfo) Decision {
	if c == nil || c.OnStartTLS == nil {
		return defaults.StartTLS(ctx, s)
	}
	return c.OnStartTLS(ctx, s)
}

func (c *Callbacks) Auth(ctx context.Context, s *SessionInfo, req AuthRequest) Decision {
	if c == nil || c.OnAuth == nil {
		return defaults.Auth(ctx, s, req)
	}
	return c.OnAuth(ctx, s, req)
}

func (c *Callbacks) Mail(ctx context.Context, s *SessionInfo, cmd MailCmd) Decision {
	if c == nil || c.OnMail == nil {
		return defaults.Mail(ctx, s, cmd)
	}
	return c.OnMail(ctx, s, cmd)
}

func (c *Callbacks) Rcpt(ctx context.Context, s *SessionInfo, cmd RcptCmd) Decision {
	if c == nil || c.OnRcpt == nil {
		return defaults.Rcpt(ctx, s, cmd)
	}
	return c.OnRcpt(ctx, s, cmd)
}

func (c *Callbacks) DataStart(ctx context.Context, s *SessionInfo) Decision {
	if c == nil || c.OnDataStart == nil {
		return defaults.DataStart(ctx, s)
	}
	return c.OnDataStart(ctx, s)
}

func (c *Callbacks) Data(ctx context.Context, s *SessionInfo, body io.Reader) Decision {
	if c == nil || c.OnData == nil {
		return defaults.Data(ctx, s, body)
	}
	return c.OnData(ctx, s, body)
}

func (c *Callbacks) Reset(ctx context.Context, s *SessionInfo) Decision {
	if c == nil || c.OnReset == nil {
		return defaults.Reset(ctx, s)
	}
	return c.OnReset(ctx, s)
}

func (c *Callbacks) Verify(ctx context.Context, s *SessionInfo, arg string) Decision {
	if c == nil || c.OnVerify == nil {
		return defaults.Verify(ctx, s, arg)
	}
	return c.OnVerify(ctx, s, arg)
}

func (c *Callbacks) Expand(ctx context.Context, s *SessionInfo, arg string) Decision {
	if c == nil || c.OnExpand == nil {
		return defaults.Expand(ctx, s, arg)
	}
	return c.OnExpand(ctx, s, arg)
}

func (c *Callbacks) Help(ctx context.Context, s *SessionInfo, topic string) Decision {
	if c == nil || c.OnHelp == nil {
		return defaults.Help(ctx, s, topic)
	}
	return c.OnHelp(ctx, s, topic)
}

func (c *Callbacks) Noop(ctx context.Context, s *SessionInfo, arg string) Decision {
	if c == nil || c.OnNoop == nil {
		return defaults.Noop(ctx, s, arg)
	}
	return c.OnNoop(ctx, s, arg)
}

func (c *Callbacks) Disconnect(ctx context.Context, s *SessionInfo) {
	if c != nil && c.OnDisconnect != nil {
		c.OnDisconnect(ctx, s)
	}
}
