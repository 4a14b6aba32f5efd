package wren

// Verb is an SMTP command verb in canonical upper case.
type Verb string

const (
	CmdHelo     Verb = "HELO"
	CmdEhlo     Verb = "EHLO"
	CmdMail     Verb = "MAIL"
	CmdRcpt     Verb = "RCPT"
	CmdData     Verb = "DATA"
	CmdRset     Verb = "RSET"
	CmdVrfy     Verb = "VRFY"
	CmdExpn     Verb = "EXPN"
	CmdHelp     Verb = "HELP"
	CmdNoop     Verb = "NOOP"
	CmdQuit     Verb = "QUIT"
	CmdStartTLS Verb = "STARTTLS"
	CmdAuth     Verb = "AUTH"
)

// lookupVerb canonicalizes a verb without allocating.
func lookupVerb(word string) (Verb, bool) {
	switch len(word) {
	case 4:
		for _, v := range [...]Verb{CmdHelo, CmdEhlo, CmdMail, CmdRcpt, CmdData, CmdRset, CmdVrfy, CmdExpn, CmdHelp, CmdNoop, CmdQuit, CmdAuth} {
			if equalFoldASCII(word, string(v)) {
				return v, true
			}
		}
	case 8:
		if equalFoldASCII(word, string(CmdStartTLS)) {
			return CmdStartTLS, true
		}
	}
	return "", false
}

// endsGroup reports whether bytes following the command may not be read
// as further pipelined commands (RFC 2920 Section 3.1, RFC 3207, RFC 4954).
func (v Verb) endsGroup() bool {
	switch v {
	case CmdData, CmdStartTLS, CmdAuth, CmdQuit:
		return true
	}
	return false
}

// Command is a parsed SMTP command. The concrete types below are the
// complete set; switch on them to dispatch.
type Command interface {
	Verb() Verb
}

// HeloCmd is "HELO domain".
type HeloCmd struct {
	Domain Hostname
}

// EhloCmd is "EHLO domain" or "EHLO address-literal".
type EhloCmd struct {
	Domain Hostname
}

// MailCmd is "MAIL FROM:<reverse-path> [params]".
type MailCmd struct {
	From   Path
	Params Params
}

// RcptCmd is "RCPT TO:<forward-path> [params]".
type RcptCmd struct {
	To     Path
	Params Params
}

// DataCmd is "DATA".
type DataCmd struct{}

// RsetCmd is "RSET".
type RsetCmd struct{}

// NoopCmd is "NOOP [string]".
type NoopCmd struct {
	Arg string
}

// QuitCmd is "QUIT".
type QuitCmd struct{}

// StartTLSCmd is "STARTTLS".
type StartTLSCmd struct{}

// AuthCmd is "AUTH mechanism [initial-response]" (RFC 4954).
type AuthCmd struct {
	Mechanism string
	// InitialResponse is the base64 text as sent; "=" is reported as an
	// empty InitialResponse with HasInitial set.
	InitialResponse string
	HasInitial      bool
}

// VrfyCmd is "VRFY string".
type VrfyCmd struct {
	Arg string
}

// ExpnCmd is "EXPN string".
type ExpnCmd struct {
	Arg string
}

// HelpCmd is "HELP [topic]".
type HelpCmd struct {
	Topic string
}

func (HeloCmd) Verb() Verb     { return CmdHelo }
func (EhloCmd) Verb() Verb     { return CmdEhlo }
func (MailCmd) Verb() Verb     { return CmdMail }
func (RcptCmd) Verb() Verb     { return CmdRcpt }
func (DataCmd) Verb() Verb     { return CmdData }
func (RsetCmd) Verb() Verb     { return CmdRset }
func (NoopCmd) Verb() Verb     { return CmdNoop }
func (QuitCmd) Verb() Verb     { return CmdQuit }
func (StartTLSCmd) Verb() Verb { return CmdStartTLS }
func (AuthCmd) Verb() Verb     { return CmdAuth }
func (VrfyCmd) Verb() Verb     { return CmdVrfy }
func (ExpnCmd) Verb() Verb     { return CmdExpn }
func (HelpCmd) Verb() Verb     { return CmdHelp }

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if upperASCII(a[i]) != upperASCII(b[i]) {
			return false
		}
	}
	return true
}

func upperASCII(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}
