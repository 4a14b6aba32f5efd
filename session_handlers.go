package wren

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	wrenio "github.com/synqronlabs/wren/io"
	"github.com/synqronlabs/wren/metrics"
)

// offeredExtensions is what an EHLO reply advertises right now.
func (s *Session) offeredExtensions() Extensions {
	e := Extensions{
		Pipelining:          !s.cfg.DisablePipelining,
		EightBitMIME:        true,
		SMTPUTF8:            !s.cfg.DisableSMTPUTF8,
		EnhancedStatusCodes: true,
		StartTLS:            s.tls == nil && s.cfg.Upgrader != nil,
		SizeOffered:         true,
		Size:                s.cfg.MaxMessageSize,
	}
	if s.authAvailable() {
		e.Auth = append([]string(nil), s.cfg.AuthMechanisms...)
	}
	return e
}

func (s *Session) authAvailable() bool {
	return len(s.cfg.AuthMechanisms) > 0 && s.auth == nil && (s.tls != nil || s.cfg.AllowInsecureAuth)
}

func (s *Session) handleHello(ctx context.Context, verb Verb, domain Hostname) {
	h := Hello{Verb: verb, Domain: domain}
	d := s.decide("hello", func() Decision { return s.hooks.Hello(ctx, s.snapshot(), h) })
	if s.refused(d, NewReply(CodeMailboxNotFound, ESCDeliveryNotAuth, "Hello rejected")) {
		return
	}

	s.hello = &h
	s.env = nil
	s.setState(StateGreeted)

	greeting := s.helloText(domain)
	if d.Reply != nil && len(d.Reply.Lines) > 0 {
		greeting = d.Reply.Lines[0]
	}
	if verb == CmdHelo {
		s.ext = Extensions{}
		s.reply(NewReply(CodeOK, "", greeting))
		return
	}
	s.ext = s.offeredExtensions()
	s.reply(Reply{Code: CodeOK, Lines: append([]string{greeting}, s.ext.Lines()...)})
	s.logger.Debug("client greeted", slog.String("verb", string(verb)), slog.String("domain", domain.String()))
}

func (s *Session) handleMail(ctx context.Context, c MailCmd) {
	if s.cfg.RequireTLS && s.tls == nil {
		s.fail(NewReply(CodeAuthRequired, ESCSecurityError, "Must issue a STARTTLS command first"))
		return
	}
	if s.cfg.RequireAuth && s.auth == nil {
		s.fail(ReplyAuthRequired(""))
		return
	}

	env := newEnvelope(c.From, s.ext)
	env.Params = c.Params
	if r, ok := s.applyMailParams(env, c.Params); !ok {
		s.fail(r)
		return
	}
	if c.From.Mailbox.NeedsSMTPUTF8() && !env.SMTPUTF8 {
		s.fail(NewReply(CodeMailboxNameInvalid, ESCNonASCIINoSMTPUTF8, "SMTPUTF8 required for internationalized address"))
		return
	}

	d := s.decide("mail", func() Decision { return s.hooks.Mail(ctx, s.snapshot(), c) })
	if s.refused(d, NewReply(CodeMailboxNotFound, ESCDeliveryNotAuth, "Sender rejected")) {
		return
	}
	if d.Path != nil {
		env.From = d.Path.clone()
	}
	s.env = env
	s.setState(StateMailReady)
	s.reply(acceptReply(d, ReplyOK("Sender "+env.From.String()+" OK", ESCAddressValid)))
}

// applyMailParams checks the MAIL parameters against the extensions
// offered and records them in env.
func (s *Session) applyMailParams(env *Envelope, params Params) (Reply, bool) {
	for _, p := range params {
		switch p.Key {
		case "SIZE":
			if !s.ext.SizeOffered {
				return ReplyParamsNotRecognized(p.Key), false
			}
			n, err := strconv.ParseInt(p.Value, 10, 64)
			if err != nil || n < 0 {
				return ReplySyntaxError("Invalid SIZE parameter"), false
			}
			if s.cfg.MaxMessageSize > 0 && n > s.cfg.MaxMessageSize {
				return NewReply(CodeExceededStorage, ESCMessageTooLarge, "Message size exceeds fixed maximum message size"), false
			}
			env.DeclaredSize = n
		case "BODY":
			if !s.ext.EightBitMIME {
				return ReplyParamsNotRecognized(p.Key), false
			}
			switch BodyType(strings.ToUpper(p.Value)) {
			case BodyType7Bit:
				env.Body = BodyType7Bit
			case BodyType8BitMIME:
				env.Body = BodyType8BitMIME
			default:
				return ReplySyntaxError("Invalid BODY parameter"), false
			}
		case "SMTPUTF8":
			if !s.ext.SMTPUTF8 {
				return ReplyParamsNotRecognized(p.Key), false
			}
			if p.HasValue {
				return ReplySyntaxError("SMTPUTF8 takes no value"), false
			}
			env.SMTPUTF8 = true
		case "AUTH":
			if len(s.ext.Auth) == 0 {
				return ReplyParamsNotRecognized(p.Key), false
			}
			v, err := DecodeXtext(p.Value)
			if err != nil {
				return ReplySyntaxError("Invalid AUTH parameter"), false
			}
			env.AuthParam = v
		default:
			return ReplyParamsNotRecognized(p.Key), false
		}
	}
	return Reply{}, true
}

func (s *Session) handleRcpt(ctx context.Context, c RcptCmd) {
	if s.cfg.MaxRecipients > 0 && len(s.env.To) >= s.cfg.MaxRecipients {
		s.reply(NewReply(CodeInsufficientStorage, ESCTempTooManyRecipients, "Too many recipients"))
		return
	}
	if len(c.Params) > 0 {
		s.fail(ReplyParamsNotRecognized(c.Params[0].Key))
		return
	}
	if c.To.Mailbox.NeedsSMTPUTF8() && !s.env.SMTPUTF8 {
		s.fail(NewReply(CodeMailboxNameInvalid, ESCNonASCIINoSMTPUTF8, "SMTPUTF8 required for internationalized address"))
		return
	}

	d := s.decide("rcpt", func() Decision { return s.hooks.Rcpt(ctx, s.snapshot(), c) })
	if s.refused(d, ReplyMailboxNotFound("Recipient rejected")) {
		return
	}
	to := c.To
	if d.Path != nil {
		to = d.Path.clone()
	}
	s.env.To = append(s.env.To, to)
	s.setState(StateRcptAccepted)
	s.reply(acceptReply(d, ReplyOK("Recipient "+to.String()+" OK", ESCRecipientValid)))
}

// handleData runs DATA through to the final reply. The envelope is
// cleared once the body was read, whatever the outcome.
func (s *Session) handleData(ctx context.Context) error {
	d := s.decide("data_start", func() Decision { return s.hooks.DataStart(ctx, s.snapshot()) })
	if s.refused(d, ReplyTransactionFailed("Transaction failed", ESCDeliveryNotAuth)) {
		return nil
	}
	ready := acceptReply(d, NewReply(CodeStartMailInput, "", "Start mail input; end with <CRLF>.<CRLF>"))
	if ready.Code != CodeStartMailInput {
		s.logger.Error("invalid reply", slog.Any("error", ErrInvalidReply), slog.Int("code", int(ready.Code)))
		s.terminate(ReplyLocalError(""))
		return nil
	}
	s.reply(ready)
	if err := s.flush(); err != nil {
		return err
	}

	s.setState(StateInData)
	body := wrenio.NewDataReader(s.reader, wrenio.DataOptions{
		MaxSize:       s.cfg.MaxMessageSize,
		MaxLineLength: s.cfg.MaxDataLineLength,
	})
	info := s.snapshot()
	d = s.decide("data", func() Decision { return s.hooks.Data(ctx, info, body) })
	derr := body.Drain()

	env := s.env
	s.resetTransaction()

	switch {
	case errors.Is(derr, wrenio.ErrMessageTooLarge):
		s.logger.Info("message rejected", slog.String("reason", "too large"), slog.Int64("size", body.Size()))
		s.reply(NewReply(CodeExceededStorage, ESCMessageTooLarge, "Message exceeds fixed maximum message size"))
		return nil
	case errors.Is(derr, wrenio.ErrBadLineEnding):
		s.logger.Info("message rejected", slog.String("reason", "bare CR or LF"))
		s.reply(ReplyTransactionFailed("Message contains bare CR or LF", ESCContentError))
		return nil
	case errors.Is(derr, wrenio.ErrLineTooLong):
		s.logger.Info("message rejected", slog.String("reason", "line too long"))
		s.reply(NewReply(CodeCommandUnrecognized, ESCContentError, "Message line too long"))
		return nil
	case derr != nil:
		return derr
	}

	metrics.MessageSizeObserve(body.Size())
	if s.refused(d, ReplyTransactionFailed("Message rejected", ESCDeliveryNotAuth)) {
		s.logger.Info("message rejected", slog.String("envelope_id", env.ID), slog.String("verdict", d.Verdict.String()))
		return nil
	}
	s.logger.Info("message accepted",
		slog.String("envelope_id", env.ID),
		slog.String("from", env.From.String()),
		slog.Int("recipients", len(env.To)),
		slog.Int64("size", body.Size()))
	s.reply(acceptReply(d, ReplyOK("Message accepted, id "+env.ID, ESCMessageAccepted)))
	return nil
}

func (s *Session) handleRset(ctx context.Context) {
	d := s.decide("reset", func() Decision { return s.hooks.Reset(ctx, s.snapshot()) })
	if s.refused(d, ReplyTransactionFailed("Reset refused", ESCPermFailure)) {
		return
	}
	s.resetTransaction()
	s.reply(acceptReply(d, ReplyOK("OK", ESCSuccess)))
}

func (s *Session) handleNoop(ctx context.Context, c NoopCmd) {
	d := s.decide("noop", func() Decision { return s.hooks.Noop(ctx, s.snapshot(), c.Arg) })
	if s.refused(d, ReplyTransactionFailed("NOOP refused", ESCPermFailure)) {
		return
	}
	s.reply(acceptReply(d, ReplyOK("OK", ESCSuccess)))
}

func (s *Session) handleQuit() {
	s.reply(ReplyServiceClosing(s.cfg.Hostname, "Service closing transmission channel"))
	s.closing = true
	s.result = "quit"
	s.queue = nil
}

func (s *Session) handleVrfy(ctx context.Context, c VrfyCmd) {
	d := s.decide("verify", func() Decision { return s.hooks.Verify(ctx, s.snapshot(), c.Arg) })
	if s.refused(d, ReplyMailboxNotFound("User unknown")) {
		return
	}
	s.reply(acceptReply(d, ReplyCannotVRFY("")))
}

func (s *Session) handleExpn(ctx context.Context, c ExpnCmd) {
	d := s.decide("expand", func() Decision { return s.hooks.Expand(ctx, s.snapshot(), c.Arg) })
	if s.refused(d, ReplyMailboxNotFound("List unknown")) {
		return
	}
	s.reply(acceptReply(d, ReplyCannotVRFY("")))
}

func (s *Session) handleHelp(ctx context.Context, c HelpCmd) {
	d := s.decide("help", func() Decision { return s.hooks.Help(ctx, s.snapshot(), c.Topic) })
	if s.refused(d, ReplyCommandNotImplemented(string(CmdHelp))) {
		return
	}
	s.reply(acceptReply(d, NewReply(CodeHelpMessage, ESCSuccess, "See RFC 5321")))
}

// handleStartTLS upgrades the stream. Bytes the client sent after
// STARTTLS would be read as plaintext commands once the handshake is
// done, so a client that pipelines past STARTTLS is disconnected.
func (s *Session) handleStartTLS(ctx context.Context) error {
	if s.tls != nil {
		s.fail(ReplyBadSequence("TLS already active"))
		return nil
	}
	if s.cfg.Upgrader == nil {
		s.fail(ReplyCommandNotImplemented(string(CmdStartTLS)))
		return nil
	}

	d := s.decide("starttls", func() Decision { return s.hooks.StartTLS(ctx, s.snapshot()) })
	if s.refused(d, NewReply(CodeTempAuthFailure, ESCTempAuthFailed, "TLS not available due to temporary reason")) {
		return nil
	}
	if s.reader.Buffered() > 0 || len(s.queue) > 0 {
		s.logger.Warn("client pipelined after STARTTLS", slog.Any("error", ErrPipelineAfterTLS))
		s.terminate(ReplyTransactionFailed("Command pipelined after STARTTLS", ESCBadCommandSequence))
		s.result = "error"
		return nil
	}

	ready := acceptReply(d, NewReply(CodeServiceReady, ESCSuccess, "Ready to start TLS"))
	if ready.Code != CodeServiceReady {
		s.logger.Error("invalid reply", slog.Any("error", ErrInvalidReply), slog.Int("code", int(ready.Code)))
		s.terminate(ReplyLocalError(""))
		return nil
	}
	s.reply(ready)
	if err := s.flush(); err != nil {
		return err
	}
	stream, state, err := s.cfg.Upgrader(ctx, s.stream)
	if err != nil {
		s.logger.Warn("TLS handshake failed", slog.Any("error", err))
		return err
	}

	s.setStream(stream)
	s.tls = state
	s.hello = nil
	s.auth = nil
	s.env = nil
	s.ext = Extensions{}
	s.setState(StateConnected)
	s.logger.Info("TLS established",
		slog.String("version", tlsVersion(state)),
		slog.String("cipher", tlsCipher(state)))
	return nil
}
