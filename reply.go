package wren

import (
	"fmt"
	"strconv"
	"strings"
)

// Code is an SMTP reply code (RFC 5321 Section 4.2).
// 2yz: Success, 3yz: Continue, 4yz: Transient failure, 5yz: Permanent failure.
type Code int

const (
	// 2xx - Success
	CodeSystemStatus   Code = 211
	CodeHelpMessage    Code = 214
	CodeServiceReady   Code = 220
	CodeServiceClosing Code = 221
	CodeAuthSuccess    Code = 235
	CodeOK             Code = 250
	CodeCannotVRFY     Code = 252

	// 3xx - Intermediate
	CodeAuthContinue   Code = 334
	CodeStartMailInput Code = 354

	// 4xx - Transient Failure
	CodeServiceUnavailable  Code = 421
	CodeMailboxUnavailable  Code = 450
	CodeLocalError          Code = 451
	CodeInsufficientStorage Code = 452
	CodeTempAuthFailure     Code = 454

	// 5xx - Permanent Failure
	CodeCommandUnrecognized    Code = 500
	CodeSyntaxError            Code = 501
	CodeCommandNotImplemented  Code = 502
	CodeBadSequence            Code = 503
	CodeParameterNotImpl       Code = 504
	CodeAuthRequired           Code = 530
	CodeAuthCredentialsInvalid Code = 535
	CodeEncryptionRequired     Code = 538
	CodeMailboxNotFound        Code = 550
	CodeExceededStorage        Code = 552
	CodeMailboxNameInvalid     Code = 553
	CodeTransactionFailed      Code = 554
	CodeParamsNotRecognized    Code = 555
)

// Class returns the first digit of the code.
func (c Code) Class() int {
	return int(c) / 100
}

// EnhancedCode is an enhanced status code (RFC 3463, RFC 2034) in
// "class.subject.detail" form.
type EnhancedCode string

const (
	ESCSuccess         EnhancedCode = "2.0.0"
	ESCAddressValid    EnhancedCode = "2.1.0"
	ESCRecipientValid  EnhancedCode = "2.1.5"
	ESCMessageAccepted EnhancedCode = "2.6.0"
	ESCSecuritySuccess EnhancedCode = "2.7.0"

	ESCTempFailure             EnhancedCode = "4.0.0"
	ESCTempLocalError          EnhancedCode = "4.3.0"
	ESCTempInsufficientStorage EnhancedCode = "4.3.1"
	ESCTempSystemShutdown      EnhancedCode = "4.3.2"
	ESCTempTooManyRecipients   EnhancedCode = "4.5.3"
	ESCTempAuthFailed          EnhancedCode = "4.7.0"

	ESCPermFailure            EnhancedCode = "5.0.0"
	ESCBadDestMailbox         EnhancedCode = "5.1.1"
	ESCBadDestSyntax          EnhancedCode = "5.1.3"
	ESCBadSenderSyntax        EnhancedCode = "5.1.7"
	ESCMessageTooLarge        EnhancedCode = "5.2.3"
	ESCMailSystemFull         EnhancedCode = "5.3.4"
	ESCInvalidCommand         EnhancedCode = "5.5.0"
	ESCBadCommandSequence     EnhancedCode = "5.5.1"
	ESCSyntaxError            EnhancedCode = "5.5.2"
	ESCInvalidArgs            EnhancedCode = "5.5.4"
	ESCContentError           EnhancedCode = "5.6.0"
	ESCNonASCIINoSMTPUTF8     EnhancedCode = "5.6.7"
	ESCSecurityError          EnhancedCode = "5.7.0"
	ESCDeliveryNotAuth        EnhancedCode = "5.7.1"
	ESCAuthCredentialsInvalid EnhancedCode = "5.7.8"
	ESCEncryptionRequired     EnhancedCode = "5.7.11"
)

// String returns the enhanced code as a string.
func (e EnhancedCode) String() string {
	return string(e)
}

// ForClass adjusts the enhanced code class to match the reply code (RFC 2034).
func (e EnhancedCode) ForClass(class int) EnhancedCode {
	if len(e) < 1 || class < 2 || class > 5 || class == 3 {
		return e
	}
	return EnhancedCode(strconv.Itoa(class) + string(e)[1:])
}

// valid reports whether e is well formed: class digit, two numbers, dots.
func (e EnhancedCode) valid() bool {
	parts := strings.Split(string(e), ".")
	if len(parts) != 3 {
		return false
	}
	for i, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
		if i == 0 && p != "2" && p != "4" && p != "5" {
			return false
		}
	}
	return true
}

// Reply is an SMTP reply: one code shared by one or more text lines.
type Reply struct {
	Code     Code
	Enhanced EnhancedCode
	Lines    []string
}

// NewReply returns a single-line reply.
func NewReply(code Code, enhanced EnhancedCode, text string) Reply {
	return Reply{Code: code, Enhanced: enhanced, Lines: []string{text}}
}

// Replyf returns a single-line reply with formatted text.
func Replyf(code Code, enhanced EnhancedCode, format string, args ...any) Reply {
	return NewReply(code, enhanced, fmt.Sprintf(format, args...))
}

// Text returns the reply lines joined by a single space.
func (r Reply) Text() string {
	return strings.Join(r.Lines, " ")
}

// Validate checks the reply can be put on the wire.
func (r Reply) Validate() error {
	if r.Code < 200 || r.Code > 599 {
		return fmt.Errorf("%w: code %d out of range", ErrInvalidReply, r.Code)
	}
	if r.Enhanced != "" {
		if !r.Enhanced.valid() {
			return fmt.Errorf("%w: malformed enhanced code %q", ErrInvalidReply, r.Enhanced)
		}
		if int(r.Enhanced[0]-'0') != r.Code.Class() {
			return fmt.Errorf("%w: enhanced code %s does not match %d", ErrInvalidReply, r.Enhanced, r.Code)
		}
	}
	for i, line := range r.Lines {
		if strings.ContainsAny(line, "\r\n") {
			return fmt.Errorf("%w: line %d contains CR or LF", ErrInvalidReply, i)
		}
	}
	return nil
}

// AppendTo appends the wire form of the reply to b.
// Every line but the last uses "code-text", the last "code text".
func (r Reply) AppendTo(b []byte) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return b, err
	}
	lines := r.Lines
	if len(lines) == 0 {
		lines = []string{""}
	}
	for i, line := range lines {
		b = strconv.AppendInt(b, int64(r.Code), 10)
		sep := byte(' ')
		if i < len(lines)-1 {
			sep = '-'
		}
		// The separator is always written: RFC 4954 requires "334 " even
		// for an empty challenge.
		b = append(b, sep)
		if r.Enhanced != "" {
			b = append(b, r.Enhanced...)
			if line != "" {
				b = append(b, ' ')
			}
		}
		b = append(b, line...)
		b = append(b, '\r', '\n')
	}
	return b, nil
}

// Bytes returns the wire form of the reply.
func (r Reply) Bytes() ([]byte, error) {
	return r.AppendTo(make([]byte, 0, 64))
}

// String formats the first line of the reply without CRLF, for logs.
func (r Reply) String() string {
	first := ""
	if len(r.Lines) > 0 {
		first = r.Lines[0]
	}
	if r.Enhanced != "" {
		return fmt.Sprintf("%d %s %s", r.Code, r.Enhanced, first)
	}
	return fmt.Sprintf("%d %s", r.Code, first)
}

// IsError returns true for 4xx or 5xx codes.
func (r Reply) IsError() bool {
	return r.Code >= 400
}

// IsSuccess returns true for 2xx codes.
func (r Reply) IsSuccess() bool {
	return r.Code >= 200 && r.Code < 300
}

// IsIntermediate returns true for 3xx codes.
func (r Reply) IsIntermediate() bool {
	return r.Code >= 300 && r.Code < 400
}

// ReplyOK creates a 250 reply.
func ReplyOK(message string, enhanced EnhancedCode) Reply {
	return NewReply(CodeOK, enhanced, message)
}

// ReplyServiceReady creates a 220 reply. The domain must be the first word.
func ReplyServiceReady(domain, message string) Reply {
	return NewReply(CodeServiceReady, "", joinDomain(domain, message))
}

// ReplyServiceClosing creates a 221 reply. The domain must be the first word.
func ReplyServiceClosing(domain, message string) Reply {
	return NewReply(CodeServiceClosing, ESCSuccess, joinDomain(domain, message))
}

// ReplyServiceUnavailable creates a 421 reply. The domain must be the first word.
func ReplyServiceUnavailable(domain, message string) Reply {
	return NewReply(CodeServiceUnavailable, ESCTempSystemShutdown, joinDomain(domain, message))
}

func joinDomain(domain, message string) string {
	if message == "" {
		return domain
	}
	return domain + " " + message
}

// ReplyBadSequence creates a 503 bad sequence of commands reply.
func ReplyBadSequence(message string) Reply {
	if message == "" {
		message = "Bad sequence of commands"
	}
	return NewReply(CodeBadSequence, ESCBadCommandSequence, message)
}

// ReplySyntaxError creates a 501 syntax error in parameters reply.
func ReplySyntaxError(message string) Reply {
	return NewReply(CodeSyntaxError, ESCSyntaxError, message)
}

// ReplyCommandUnrecognized creates a 500 reply.
func ReplyCommandUnrecognized(message string) Reply {
	if message == "" {
		message = "Command not recognized"
	}
	return NewReply(CodeCommandUnrecognized, ESCInvalidCommand, message)
}

// ReplyCommandNotImplemented creates a 502 reply.
func ReplyCommandNotImplemented(command string) Reply {
	return Replyf(CodeCommandNotImplemented, ESCInvalidCommand, "%s not implemented", command)
}

// ReplyMailboxNotFound creates a 550 reply.
func ReplyMailboxNotFound(message string) Reply {
	return NewReply(CodeMailboxNotFound, ESCBadDestMailbox, message)
}

// ReplyCannotVRFY creates the non-disclosing 252 answer to VRFY.
func ReplyCannotVRFY(message string) Reply {
	if message == "" {
		message = "Cannot VRFY user, but will accept message and attempt delivery"
	}
	return NewReply(CodeCannotVRFY, ESCSuccess, message)
}

// ReplyParamsNotRecognized creates a 555 reply for an unsupported MAIL/RCPT parameter.
func ReplyParamsNotRecognized(param string) Reply {
	return Replyf(CodeParamsNotRecognized, ESCInvalidArgs, "Parameter not recognized: %s", param)
}

// ReplyAuthRequired creates a 530 reply.
func ReplyAuthRequired(message string) Reply {
	if message == "" {
		message = "Authentication required"
	}
	return NewReply(CodeAuthRequired, ESCSecurityError, message)
}

// ReplyAuthCredentialsInvalid creates a 535 reply.
func ReplyAuthCredentialsInvalid(message string) Reply {
	if message == "" {
		message = "Authentication credentials invalid"
	}
	return NewReply(CodeAuthCredentialsInvalid, ESCAuthCredentialsInvalid, message)
}

// ReplyTransactionFailed creates a 554 reply.
func ReplyTransactionFailed(message string, enhanced EnhancedCode) Reply {
	return NewReply(CodeTransactionFailed, enhanced, message)
}

// ReplyLocalError creates a 451 local error reply.
func ReplyLocalError(message string) Reply {
	if message == "" {
		message = "Requested action aborted: local error in processing"
	}
	return NewReply(CodeLocalError, ESCTempLocalError, message)
}

// ReplyExceededStorage creates a 552 reply.
func ReplyExceededStorage(message string) Reply {
	if message == "" {
		message = "Requested mail action aborted: exceeded storage allocation"
	}
	return NewReply(CodeExceededStorage, ESCMailSystemFull, message)
}

// ReplyInsufficientStorage creates a 452 reply.
func ReplyInsufficientStorage(message string) Reply {
	if message == "" {
		message = "Insufficient system storage"
	}
	return NewReply(CodeInsufficientStorage, ESCTempInsufficientStorage, message)
}
