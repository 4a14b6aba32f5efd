package wren

import "errors"

var (
	ErrServerClosed     = errors.New("smtp: server closed")
	ErrTooManyRecipents = errors.New("smtp: too many recipients")
	ErrMessageTooLarge  = errors.New("smtp: message too large")
	ErrInvalidReply     = errors.New("smtp: invalid reply")
	ErrPipelineAfterTLS = errors.New("smtp: command pipelined after STARTTLS")
	ErrTooManyErrors    = errors.New("smtp: too many errors")
	ErrSessionClosed    = errors.New("smtp: session closed")
	ErrTLSUnavailable   = errors.New("smtp: TLS not available")
	ErrHookPanic        = errors.New("smtp: decision hook panicked")
	ErrNoHostname       = errors.New("smtp: hostname is required")
)
