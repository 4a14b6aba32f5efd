package wren

import (
	"strings"
	"time"

	"github.com/synqronlabs/wren/utils"
)

// Protocol returns the "with" keyword of a Received header for the
// session (RFC 3848, RFC 6531).
func (i *SessionInfo) Protocol() string {
	var p string
	switch {
	case i.Envelope != nil && i.Envelope.SMTPUTF8:
		p = "UTF8SMTP"
	case i.Hello != nil && i.Hello.IsExtended():
		p = "ESMTP"
	default:
		return "SMTP"
	}
	if i.TLS != nil {
		p += "S"
	}
	if i.Auth != nil {
		p += "A"
	}
	return p
}

// ReceivedHeader formats the trace header this server prepends to a
// message (RFC 5321 Section 4.4), CRLF terminated.
func ReceivedHeader(i *SessionInfo, hostname string, now time.Time) string {
	var b strings.Builder
	b.WriteString("Received: from ")
	if i.Hello != nil {
		b.WriteString(i.Hello.Domain.String())
	} else {
		b.WriteString("unknown")
	}
	if ip, err := utils.AddrIP(i.RemoteAddr); err == nil {
		b.WriteString(" (")
		if i.ReverseDNS != "" {
			b.WriteString(i.ReverseDNS)
			b.WriteString(" ")
		}
		b.WriteString("[")
		b.WriteString(ip.String())
		b.WriteString("])")
	}
	b.WriteString("\r\n\tby ")
	b.WriteString(hostname)
	b.WriteString(" with ")
	b.WriteString(i.Protocol())
	if i.Envelope != nil {
		b.WriteString(" id ")
		b.WriteString(i.Envelope.ID)
		if len(i.Envelope.To) == 1 {
			b.WriteString("\r\n\tfor ")
			b.WriteString(i.Envelope.To[0].String())
		}
	}
	if i.TLS != nil {
		b.WriteString("\r\n\t(")
		b.WriteString(tlsVersion(i.TLS))
		b.WriteString(" cipher ")
		b.WriteString(tlsCipher(i.TLS))
		b.WriteString(")")
	}
	b.WriteString(";\r\n\t")
	b.WriteString(now.Format(time.RFC1123Z))
	b.WriteString("\r\n")
	return b.String()
}
