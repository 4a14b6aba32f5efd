package wren

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Line limits from RFC 5321 Section 4.5.3.1.4 and the extension RFCs.
const (
	DefaultMaxLine = 512
	// SIZE (RFC 1870) adds 26 octets, AUTH= (RFC 4954) adds 500.
	DefaultMaxMailLine = DefaultMaxLine + 26 + 500
	// RFC 4954 Section 4 requires at least 12288 octets for AUTH lines.
	DefaultMaxAuthLine = 12288
)

// Limits bounds command lines. Lengths include the CRLF.
type Limits struct {
	MaxLine     int
	MaxMailLine int
	MaxAuthLine int
}

// DefaultLimits returns the RFC minimums.
func DefaultLimits() Limits {
	return Limits{
		MaxLine:     DefaultMaxLine,
		MaxMailLine: DefaultMaxMailLine,
		MaxAuthLine: DefaultMaxAuthLine,
	}
}

// longest is the most any single command line may take.
func (l Limits) longest() int {
	return max(l.MaxLine, l.MaxMailLine, l.MaxAuthLine)
}

func (l Limits) forVerb(v Verb) int {
	switch v {
	case CmdMail, CmdRcpt:
		return l.MaxMailLine
	case CmdAuth:
		return l.MaxAuthLine
	}
	return l.MaxLine
}

// SyntaxErrorKind classifies a command line that could not be parsed.
type SyntaxErrorKind int

const (
	KindUnknownCommand SyntaxErrorKind = iota + 1
	KindBadArgument
	KindLineTooLong
	KindBadCRLF
)

func (k SyntaxErrorKind) String() string {
	switch k {
	case KindUnknownCommand:
		return "unknown-command"
	case KindBadArgument:
		return "bad-argument"
	case KindLineTooLong:
		return "line-too-long"
	case KindBadCRLF:
		return "bad-crlf"
	}
	return "unknown"
}

// SyntaxError describes why a command line was rejected.
type SyntaxError struct {
	Kind SyntaxErrorKind
	// Verb is the recognized verb, or the upper-cased first word for
	// KindUnknownCommand.
	Verb Verb
	// Pos is the byte offset in the line where parsing failed.
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	if e.Verb != "" {
		return fmt.Sprintf("smtp: %s: %s %s at offset %d", e.Kind, e.Verb, e.Msg, e.Pos)
	}
	return fmt.Sprintf("smtp: %s: %s at offset %d", e.Kind, e.Msg, e.Pos)
}

// Reply is the reply the session sends for this error.
func (e *SyntaxError) Reply() Reply {
	switch e.Kind {
	case KindUnknownCommand:
		return ReplyCommandUnrecognized("")
	case KindLineTooLong:
		return NewReply(CodeCommandUnrecognized, ESCSyntaxError, "Line too long")
	case KindBadCRLF:
		return NewReply(CodeCommandUnrecognized, ESCSyntaxError, "Line must be terminated with CRLF")
	}
	return ReplySyntaxError("Syntax error: " + e.Msg)
}

// ParseCommand parses one command line, CRLF included. It is a pure
// function of its input and safe for concurrent use.
func ParseCommand(line []byte, lim Limits) (Command, error) {
	n := len(line)
	if n == 0 || line[n-1] != '\n' {
		return nil, &SyntaxError{Kind: KindBadCRLF, Pos: n, Msg: "missing line terminator"}
	}
	if n < 2 || line[n-2] != '\r' {
		return nil, &SyntaxError{Kind: KindBadCRLF, Pos: n - 1, Msg: "bare LF"}
	}
	text := string(line[:n-2])
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		return nil, &SyntaxError{Kind: KindBadCRLF, Pos: i, Msg: "bare CR or LF"}
	}

	word, _, _ := strings.Cut(text, " ")
	verb, ok := lookupVerb(word)
	if !ok {
		if len(word) > 16 {
			word = word[:16]
		}
		return nil, &SyntaxError{Kind: KindUnknownCommand, Verb: Verb(strings.ToUpper(word)), Msg: "command not recognized"}
	}
	if limit := lim.forVerb(verb); limit > 0 && n > limit {
		return nil, &SyntaxError{Kind: KindLineTooLong, Verb: verb, Pos: limit, Msg: "line too long"}
	}

	p := newParser(text, verb)
	p.o = len(word)
	var cmd Command
	err := p.run(func() { cmd = p.xcommand() })
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// parser walks a command line. Methods starting with x panic with a
// *SyntaxError on failure; run recovers it.
type parser struct {
	orig  string
	upper string
	o     int
	verb  Verb
}

func newParser(s string, verb Verb) *parser {
	up := []byte(s)
	for i, c := range up {
		up[i] = upperASCII(c)
	}
	return &parser{orig: s, upper: string(up), verb: verb}
}

func (p *parser) run(fn func()) (err error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		serr, ok := x.(*SyntaxError)
		if !ok {
			panic(x)
		}
		err = serr
	}()
	fn()
	return nil
}

func (p *parser) xerrorf(pos int, format string, args ...any) {
	panic(&SyntaxError{Kind: KindBadArgument, Verb: p.verb, Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

func (p *parser) empty() bool {
	return p.o == len(p.orig)
}

func (p *parser) peek(c byte) bool {
	return p.o < len(p.orig) && p.orig[p.o] == c
}

// take consumes s (upper case) if the input continues with it, case-insensitively.
func (p *parser) take(s string) bool {
	if strings.HasPrefix(p.upper[p.o:], s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) xtake(s string) {
	if !p.take(s) {
		p.xerrorf(p.o, "expected %q", s)
	}
}

func (p *parser) xend() {
	if !p.empty() {
		p.xerrorf(p.o, "unexpected trailing text %q", p.orig[p.o:])
	}
}

func (p *parser) remainder() string {
	s := p.orig[p.o:]
	p.o = len(p.orig)
	return s
}

func (p *parser) xcommand() Command {
	switch p.verb {
	case CmdHelo, CmdEhlo:
		if !p.take(" ") || p.empty() {
			p.xerrorf(p.o, "hostname required")
		}
		h := p.xhostname()
		p.xend()
		if p.verb == CmdHelo {
			return HeloCmd{Domain: h}
		}
		return EhloCmd{Domain: h}

	case CmdMail:
		p.xtake(" FROM:")
		p.take(" ")
		from := p.xpath(true, false)
		return MailCmd{From: from, Params: p.xparams()}

	case CmdRcpt:
		p.xtake(" TO:")
		p.take(" ")
		to := p.xpath(false, true)
		return RcptCmd{To: to, Params: p.xparams()}

	case CmdData:
		p.xend()
		return DataCmd{}
	case CmdRset:
		p.xend()
		return RsetCmd{}
	case CmdQuit:
		p.xend()
		return QuitCmd{}
	case CmdStartTLS:
		p.xend()
		return StartTLSCmd{}

	case CmdNoop:
		return NoopCmd{Arg: p.xoptionalArg()}
	case CmdHelp:
		return HelpCmd{Topic: p.xoptionalArg()}
	case CmdVrfy, CmdExpn:
		arg := p.xoptionalArg()
		if arg == "" {
			p.xerrorf(p.o, "argument required")
		}
		if p.verb == CmdVrfy {
			return VrfyCmd{Arg: arg}
		}
		return ExpnCmd{Arg: arg}

	case CmdAuth:
		return p.xauth()
	}
	p.xerrorf(0, "unhandled verb")
	return nil
}

func (p *parser) xoptionalArg() string {
	if p.empty() {
		return ""
	}
	p.xtake(" ")
	return strings.TrimSpace(p.remainder())
}

func (p *parser) xauth() AuthCmd {
	p.xtake(" ")
	start := p.o
	for !p.empty() && !p.peek(' ') {
		c := p.orig[p.o]
		if !isLetDig(c) && c != '-' && c != '_' {
			p.xerrorf(p.o, "invalid character in SASL mechanism")
		}
		p.o++
	}
	if p.o == start || p.o-start > 20 {
		p.xerrorf(start, "invalid SASL mechanism")
	}
	cmd := AuthCmd{Mechanism: p.upper[start:p.o]}
	if p.take(" ") {
		resp := p.remainder()
		if resp == "" {
			p.xerrorf(p.o, "empty initial response")
		}
		cmd.HasInitial = true
		if resp != "=" {
			cmd.InitialResponse = resp
		}
	}
	return cmd
}

// xhostname parses a domain or address literal, up to the next space or ">".
func (p *parser) xhostname() Hostname {
	start := p.o
	if p.peek('[') {
		end := strings.IndexByte(p.orig[p.o:], ']')
		if end < 0 {
			p.xerrorf(start, "unterminated address literal")
		}
		p.o += end + 1
	} else {
		for !p.empty() {
			c := p.orig[p.o]
			if !isLetDig(c) && c != '-' && c != '.' && c < utf8.RuneSelf {
				break
			}
			p.o++
		}
	}
	h, err := ParseHostname(p.orig[start:p.o])
	if err != nil {
		p.xerrorf(start, "%v", err)
	}
	return h
}

// xpath parses an angle-bracketed path. A reverse-path may be "<>"; a
// forward-path may be "<postmaster>" without domain.
func (p *parser) xpath(reverse, forward bool) Path {
	start := p.o
	if !p.take("<") {
		p.xerrorf(p.o, "missing '<'")
	}
	if p.take(">") {
		if !reverse {
			p.xerrorf(start, "null path not allowed")
		}
		return Path{}
	}

	var path Path
	if p.peek('@') {
		for {
			p.xtake("@")
			path.Route = append(path.Route, p.xhostname())
			if p.take(",") {
				continue
			}
			p.xtake(":")
			break
		}
	}

	path.Mailbox.Localpart = p.xlocalpart()
	if p.take("@") {
		path.Mailbox.Domain = p.xhostname()
	} else if !(forward && path.Route == nil && path.Mailbox.IsPostmaster() && p.peek('>')) {
		p.xerrorf(p.o, "expected '@'")
	}
	if !p.take(">") {
		p.xerrorf(p.o, "missing '>'")
	}
	if p.o-start > maxPathLen {
		p.xerrorf(start, "path longer than %d octets", maxPathLen)
	}
	return path
}

// xlocalpart parses a dot-string or quoted-string.
func (p *parser) xlocalpart() Localpart {
	start := p.o
	lp := Localpart{Kind: LocalAtom}
	if p.take(`"`) {
		lp.Kind = LocalQuoted
		for {
			if p.empty() {
				p.xerrorf(start, "unterminated quoted local-part")
			}
			c := p.orig[p.o]
			if c == '"' {
				p.o++
				break
			}
			if c == '\\' {
				p.o++
				if p.empty() || p.orig[p.o] < 32 || p.orig[p.o] > 126 {
					p.xerrorf(p.o, "invalid quoted-pair")
				}
			} else if !isQtext(c) {
				p.xerrorf(p.o, "invalid character in quoted local-part")
			}
			if c >= utf8.RuneSelf {
				lp.Kind = LocalQuotedUTF8
			}
			p.o++
		}
	} else {
		for {
			atom := p.o
			for !p.empty() && isAtext(p.orig[p.o]) {
				if p.orig[p.o] >= utf8.RuneSelf {
					lp.Kind = LocalUTF8Atom
				}
				p.o++
			}
			if p.o == atom {
				if p.o == start {
					p.xerrorf(p.o, "%v", errEmptyLocal)
				}
				p.xerrorf(p.o, "%v", errBadLocalpart)
			}
			if !p.take(".") {
				break
			}
		}
	}

	lp.Raw = p.orig[start:p.o]
	if len(lp.Raw) > maxLocalpartLen {
		p.xerrorf(start, "%v", errLocalTooLong)
	}
	if lp.IsUTF8() && !utf8.ValidString(lp.Raw) {
		p.xerrorf(start, "local-part is not valid UTF-8")
	}
	return lp
}

// xparams parses *(SP esmtp-keyword ["=" esmtp-value]) to the end of line.
// Parsing stops at the first malformed parameter, reporting its offset.
func (p *parser) xparams() Params {
	var params Params
	for !p.empty() {
		if !p.take(" ") {
			p.xerrorf(p.o, "expected space before parameter")
		}
		for p.take(" ") {
		}
		if p.empty() {
			break
		}

		start := p.o
		for !p.empty() && (isLetDig(p.orig[p.o]) || p.o > start && p.orig[p.o] == '-') {
			p.o++
		}
		if p.o == start {
			p.xerrorf(start, "malformed parameter")
		}
		param := Param{Key: p.upper[start:p.o]}
		if p.take("=") {
			vstart := p.o
			for !p.empty() {
				c := p.orig[p.o]
				if c == ' ' || c == '=' || c < 33 || c == 127 {
					break
				}
				p.o++
			}
			if p.o == vstart {
				p.xerrorf(start, "parameter %s has empty value", param.Key)
			}
			param.Value = p.orig[vstart:p.o]
			param.HasValue = true
		}
		if !p.empty() && !p.peek(' ') {
			p.xerrorf(start, "malformed parameter %s", param.Key)
		}
		if params.Has(param.Key) {
			p.xerrorf(start, "duplicate parameter %s", param.Key)
		}
		params = append(params, param)
	}
	return params
}
