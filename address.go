package wren

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// RFC 5321 Section 4.5.3.1 size limits.
const (
	maxLocalpartLen = 64
	maxDomainLen    = 255
	maxLabelLen     = 63
	maxPathLen      = 256
)

var (
	errEmptyDomain   = errors.New("empty domain")
	errTrailingDot   = errors.New("domain ends with a dot")
	errBadLabel      = errors.New("invalid domain label")
	errBadLiteral    = errors.New("invalid address literal")
	errEmptyLocal    = errors.New("empty local-part")
	errBadLocalpart  = errors.New("invalid local-part")
	errLocalTooLong  = errors.New("local-part too long")
	errDomainTooLong = errors.New("domain too long")
)

// HostKind tells which form of RFC 5321 host a Hostname holds.
type HostKind int

const (
	// HostDomain is an all-ASCII domain name.
	HostDomain HostKind = iota
	// HostDomainUTF8 is an internationalized domain name (RFC 6531).
	HostDomainUTF8
	// HostIPv4 is an address literal such as [192.0.2.1].
	HostIPv4
	// HostIPv6 is an address literal such as [IPv6:2001:db8::1].
	HostIPv6
)

// Hostname is the argument of HELO/EHLO or the domain of a mailbox.
type Hostname struct {
	Kind HostKind
	// Raw is the text as received, brackets included for literals.
	Raw string
	// ASCII is the lower-cased A-label form of a domain.
	ASCII string
	// IP is set for address literals.
	IP netip.Addr
}

// ParseHostname parses a domain or an address literal.
func ParseHostname(s string) (Hostname, error) {
	if strings.HasPrefix(s, "[") {
		return parseAddressLiteral(s)
	}
	return parseDomain(s)
}

func parseDomain(s string) (Hostname, error) {
	if s == "" {
		return Hostname{}, errEmptyDomain
	}
	if len(s) > maxDomainLen {
		return Hostname{}, errDomainTooLong
	}
	if strings.HasSuffix(s, ".") {
		return Hostname{}, errTrailingDot
	}

	utf8Domain := false
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			utf8Domain = true
			break
		}
	}

	if !utf8Domain {
		for _, label := range strings.Split(s, ".") {
			if !validLabel(label) {
				return Hostname{}, fmt.Errorf("%w: %q", errBadLabel, label)
			}
		}
		return Hostname{Kind: HostDomain, Raw: s, ASCII: strings.ToLower(s)}, nil
	}

	if !utf8.ValidString(s) {
		return Hostname{}, fmt.Errorf("%w: not valid UTF-8", errBadLabel)
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Hostname{}, fmt.Errorf("%w: %v", errBadLabel, err)
	}
	if len(ascii) > maxDomainLen {
		return Hostname{}, errDomainTooLong
	}
	return Hostname{Kind: HostDomainUTF8, Raw: s, ASCII: ascii}, nil
}

// validLabel checks an LDH label: letters, digits and inner hyphens.
func validLabel(label string) bool {
	if label == "" || len(label) > maxLabelLen {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if !isLetDig(c) && c != '-' {
			return false
		}
	}
	return true
}

func parseAddressLiteral(s string) (Hostname, error) {
	if len(s) < 3 || s[0] != '[' || s[len(s)-1] != ']' {
		return Hostname{}, errBadLiteral
	}
	inner := s[1 : len(s)-1]
	if len(inner) > 5 && strings.EqualFold(inner[:5], "IPv6:") {
		ip, err := netip.ParseAddr(inner[5:])
		if err != nil || !ip.Is6() || ip.Zone() != "" {
			return Hostname{}, fmt.Errorf("%w: %q", errBadLiteral, inner)
		}
		return Hostname{Kind: HostIPv6, Raw: s, ASCII: strings.ToLower(s), IP: ip}, nil
	}
	ip, err := netip.ParseAddr(inner)
	if err != nil || !ip.Is4() {
		// General-address-literal tags are not supported.
		return Hostname{}, fmt.Errorf("%w: %q", errBadLiteral, inner)
	}
	return Hostname{Kind: HostIPv4, Raw: s, ASCII: s, IP: ip}, nil
}

// IsZero reports whether h is unset.
func (h Hostname) IsZero() bool {
	return h.Raw == ""
}

// IsLiteral reports whether h is an address literal.
func (h Hostname) IsLiteral() bool {
	return h.Kind == HostIPv4 || h.Kind == HostIPv6
}

// IsUTF8 reports whether h is an internationalized domain.
func (h Hostname) IsUTF8() bool {
	return h.Kind == HostDomainUTF8
}

// Equal compares two hostnames. Domains compare case-insensitively in
// their A-label form, literals by address.
func (h Hostname) Equal(o Hostname) bool {
	if h.IsLiteral() || o.IsLiteral() {
		return h.IsLiteral() && o.IsLiteral() && h.IP == o.IP
	}
	return strings.EqualFold(h.ASCII, o.ASCII)
}

func (h Hostname) String() string {
	return h.Raw
}

// LocalpartKind tells which RFC 5321/6531 form a local-part was written in.
type LocalpartKind int

const (
	LocalAtom LocalpartKind = iota
	LocalQuoted
	LocalUTF8Atom
	LocalQuotedUTF8
)

// Localpart is the part of a mailbox before the "@". It is case-sensitive.
type Localpart struct {
	Kind LocalpartKind
	// Raw is the local-part as received, quotes and escapes included.
	Raw string
}

// ParseLocalpart parses a dot-string or quoted-string local-part.
func ParseLocalpart(s string) (Localpart, error) {
	p := newParser(s, "")
	var lp Localpart
	err := p.run(func() {
		lp = p.xlocalpart()
		p.xend()
	})
	return lp, err
}

// Unquoted returns the local-part with quoting removed.
func (l Localpart) Unquoted() string {
	if l.Kind != LocalQuoted && l.Kind != LocalQuotedUTF8 {
		return l.Raw
	}
	s := strings.TrimSuffix(strings.TrimPrefix(l.Raw, `"`), `"`)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// IsUTF8 reports whether the local-part needs SMTPUTF8.
func (l Localpart) IsUTF8() bool {
	return l.Kind == LocalUTF8Atom || l.Kind == LocalQuotedUTF8
}

func (l Localpart) String() string {
	return l.Raw
}

// Mailbox is local-part@domain. Domain is zero only for the special
// "postmaster" recipient (RFC 5321 Section 4.1.1.3).
type Mailbox struct {
	Localpart Localpart
	Domain    Hostname
}

// ParseMailbox parses "local@domain" without angle brackets.
func ParseMailbox(s string) (Mailbox, error) {
	p := newParser(s, "")
	var m Mailbox
	err := p.run(func() {
		m.Localpart = p.xlocalpart()
		p.xtake("@")
		m.Domain = p.xhostname()
		p.xend()
	})
	return m, err
}

// IsZero reports whether m is unset.
func (m Mailbox) IsZero() bool {
	return m.Localpart.Raw == "" && m.Domain.IsZero()
}

// IsPostmaster reports whether m addresses postmaster, with or without domain.
func (m Mailbox) IsPostmaster() bool {
	return strings.EqualFold(m.Localpart.Unquoted(), "postmaster")
}

// NeedsSMTPUTF8 reports whether m can only be transported with SMTPUTF8.
func (m Mailbox) NeedsSMTPUTF8() bool {
	return m.Localpart.IsUTF8() || m.Domain.IsUTF8()
}

// Equal compares local-parts exactly and domains case-insensitively.
func (m Mailbox) Equal(o Mailbox) bool {
	return m.Localpart.Raw == o.Localpart.Raw && m.Domain.Equal(o.Domain)
}

// String returns local@domain, or just the local-part for a bare postmaster.
func (m Mailbox) String() string {
	if m.Domain.IsZero() {
		return m.Localpart.Raw
	}
	return m.Localpart.Raw + "@" + m.Domain.Raw
}

// Path is a reverse-path or forward-path. The zero Path is the null
// reverse-path "<>".
type Path struct {
	// Route is an obsolete source route; it is kept but never acted on.
	Route   []Hostname
	Mailbox Mailbox
}

// ParsePath parses "<>", "<postmaster>" or "<[@route:]local@domain>".
func ParsePath(s string) (Path, error) {
	p := newParser(s, "")
	var path Path
	err := p.run(func() {
		path = p.xpath(true, true)
		p.xend()
	})
	return path, err
}

// IsNull returns true if this is a null reverse-path (empty sender).
// Null reverse-paths are used for bounce messages per RFC 5321 Section 4.5.5.
func (p Path) IsNull() bool {
	return p.Mailbox.IsZero()
}

// String returns the path in angle bracket format, without source route.
func (p Path) String() string {
	if p.IsNull() {
		return "<>"
	}
	return "<" + p.Mailbox.String() + ">"
}

func (p Path) clone() Path {
	if p.Route != nil {
		p.Route = append([]Hostname(nil), p.Route...)
	}
	return p
}

func isLetDig(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// isAtext reports RFC 5322 atext, extended with UTF-8 by RFC 6531.
func isAtext(c byte) bool {
	if isLetDig(c) || c >= utf8.RuneSelf {
		return true
	}
	return strings.IndexByte("!#$%&'*+-/=?^_`{|}~", c) >= 0
}

// isQtext reports qtextSMTP (RFC 5321), extended with UTF-8.
func isQtext(c byte) bool {
	return c == 32 || c == 33 || c >= 35 && c <= 91 || c >= 93 && c <= 126 || c >= utf8.RuneSelf
}
