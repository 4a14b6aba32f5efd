package wren

import (
	"strconv"
	"strings"
)

// Extension represents an SMTP extension advertised via EHLO response.
type Extension string

const (
	// Ext8BitMIME indicates support for 8-bit MIME (RFC 6152).
	Ext8BitMIME Extension = "8BITMIME"
	// ExtPipelining indicates support for command pipelining (RFC 2920).
	ExtPipelining Extension = "PIPELINING"
	// ExtSMTPUTF8 indicates support for internationalized email (RFC 6531).
	ExtSMTPUTF8 Extension = "SMTPUTF8"
	// ExtSTARTTLS indicates support for TLS upgrade (RFC 3207).
	ExtSTARTTLS Extension = "STARTTLS"
	// ExtSize indicates support for message size declaration (RFC 1870).
	ExtSize Extension = "SIZE"
	// ExtAuth indicates support for SMTP AUTH (RFC 4954).
	ExtAuth Extension = "AUTH"
	// ExtEnhancedStatusCodes indicates support for enhanced status codes (RFC 2034).
	ExtEnhancedStatusCodes Extension = "ENHANCEDSTATUSCODES"
)

// BodyType specifies the encoding type of the message body per RFC 6152.
type BodyType string

const (
	BodyType7Bit     BodyType = "7BIT"
	BodyType8BitMIME BodyType = "8BITMIME"
)

// Extensions is the set of extensions offered to a client in its EHLO
// reply. A HELO client gets the zero value.
type Extensions struct {
	Pipelining          bool
	EightBitMIME        bool
	SMTPUTF8            bool
	EnhancedStatusCodes bool
	StartTLS            bool
	// Size is advertised whenever SizeOffered is set; zero means no fixed limit.
	SizeOffered bool
	Size        int64
	// Auth lists the SASL mechanisms offered.
	Auth []string
}

// Has reports whether ext was offered.
func (e Extensions) Has(ext Extension) bool {
	switch ext {
	case ExtPipelining:
		return e.Pipelining
	case Ext8BitMIME:
		return e.EightBitMIME
	case ExtSMTPUTF8:
		return e.SMTPUTF8
	case ExtEnhancedStatusCodes:
		return e.EnhancedStatusCodes
	case ExtSTARTTLS:
		return e.StartTLS
	case ExtSize:
		return e.SizeOffered
	case ExtAuth:
		return len(e.Auth) > 0
	}
	return false
}

// Lines returns the capability lines of the EHLO reply, in a stable order.
func (e Extensions) Lines() []string {
	var lines []string
	if e.Pipelining {
		lines = append(lines, string(ExtPipelining))
	}
	if e.EightBitMIME {
		lines = append(lines, string(Ext8BitMIME))
	}
	if e.SizeOffered {
		lines = append(lines, string(ExtSize)+" "+strconv.FormatInt(e.Size, 10))
	}
	if e.StartTLS {
		lines = append(lines, string(ExtSTARTTLS))
	}
	if e.EnhancedStatusCodes {
		lines = append(lines, string(ExtEnhancedStatusCodes))
	}
	if e.SMTPUTF8 {
		lines = append(lines, string(ExtSMTPUTF8))
	}
	if len(e.Auth) > 0 {
		lines = append(lines, string(ExtAuth)+" "+strings.Join(e.Auth, " "))
	}
	return lines
}

func (e Extensions) clone() Extensions {
	if e.Auth != nil {
		e.Auth = append([]string(nil), e.Auth...)
	}
	return e
}
