package wren

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	wrenio "github.com/synqronlabs/wren/io"
	"github.com/synqronlabs/wren/sasl"
)

// handleAuth runs a SASL exchange (RFC 4954). Challenge responses are
// read directly from the stream: AUTH always ends a pipelined group.
func (s *Session) handleAuth(ctx context.Context, c AuthCmd) error {
	if s.auth != nil {
		s.fail(ReplyBadSequence("Already authenticated"))
		return nil
	}
	if len(s.cfg.AuthMechanisms) == 0 {
		s.fail(ReplyCommandNotImplemented(string(CmdAuth)))
		return nil
	}
	if s.tls == nil && !s.cfg.AllowInsecureAuth {
		s.fail(NewReply(CodeEncryptionRequired, ESCEncryptionRequired, "Encryption required for requested authentication mechanism"))
		return nil
	}
	if !slices.Contains(s.cfg.AuthMechanisms, c.Mechanism) {
		s.fail(NewReply(CodeParameterNotImpl, ESCInvalidArgs, "Unrecognized authentication type"))
		return nil
	}
	mech, err := sasl.New(c.Mechanism)
	if err != nil {
		s.fail(NewReply(CodeParameterNotImpl, ESCInvalidArgs, "Unrecognized authentication type"))
		return nil
	}

	var (
		challenge string
		done      bool
	)
	if c.HasInitial && c.InitialResponse == "" {
		// "=" is an initial response of zero length (RFC 4954 Section 4),
		// not a request for a challenge.
		challenge, done, err = mech.Next("")
	} else {
		challenge, done, err = mech.Start(c.InitialResponse)
	}
	for !done && err == nil {
		s.reply(NewReply(CodeAuthContinue, "", challenge))
		if err := s.flush(); err != nil {
			return err
		}
		line, rerr := wrenio.ReadLine(s.reader, s.cfg.Limits.MaxAuthLine)
		if errors.Is(rerr, wrenio.ErrLineTooLong) {
			s.fail(NewReply(CodeCommandUnrecognized, ESCSyntaxError, "Line too long"))
			return nil
		}
		if rerr != nil {
			return rerr
		}
		resp := strings.TrimRight(string(line), "\r\n")
		challenge, done, err = mech.Next(resp)
	}

	switch {
	case errors.Is(err, sasl.ErrAuthenticationCancelled):
		s.fail(ReplySyntaxError("Authentication cancelled"))
		return nil
	case err != nil:
		s.logger.Debug("authentication exchange failed", slog.String("mechanism", c.Mechanism), slog.Any("error", err))
		s.fail(ReplySyntaxError("Invalid authentication data"))
		return nil
	}

	creds := mech.Credentials()
	req := AuthRequest{Mechanism: c.Mechanism, Credentials: *creds}
	d := s.decide("auth", func() Decision { return s.hooks.Auth(ctx, s.snapshot(), req) })
	if s.refused(d, ReplyAuthCredentialsInvalid("")) {
		s.logger.Warn("authentication failed",
			slog.String("mechanism", c.Mechanism),
			slog.String("identity", creds.AuthenticationID))
		return nil
	}

	s.auth = &AuthInfo{
		Mechanism:       c.Mechanism,
		Identity:        creds.Identity(),
		AuthenticatedAt: time.Now(),
	}
	s.logger.Info("client authenticated",
		slog.String("mechanism", c.Mechanism),
		slog.String("identity", s.auth.Identity))
	s.reply(acceptReply(d, NewReply(CodeAuthSuccess, ESCSecuritySuccess, "Authentication successful")))
	return nil
}
