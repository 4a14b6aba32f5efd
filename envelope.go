package wren

import (
	"time"

	"github.com/synqronlabs/wren/utils"
	"github.com/tinylib/msgp/msgp"
)

// Envelope is the state of one mail transaction (RFC 5321 Section 2.3.1).
type Envelope struct {
	// ID identifies the transaction; it is a ULID.
	ID string
	// From is the reverse-path. The zero Path is the null sender "<>".
	From Path
	// To holds accepted forward-paths in the order they were accepted.
	// Duplicates are kept.
	To []Path
	// Params are the MAIL parameters as sent.
	Params Params
	// Body is the BODY= parameter; empty when not given.
	Body BodyType
	// SMTPUTF8 is set when MAIL carried the SMTPUTF8 parameter.
	SMTPUTF8 bool
	// DeclaredSize is the SIZE= parameter, zero when not given.
	DeclaredSize int64
	// AuthParam is the xtext-decoded AUTH= parameter of MAIL (RFC 4954).
	AuthParam string
	// Extensions are the extensions negotiated for this session.
	Extensions Extensions
	CreatedAt  time.Time
}

func newEnvelope(from Path, ext Extensions) *Envelope {
	return &Envelope{
		ID:         utils.NewID(),
		From:       from,
		Extensions: ext.clone(),
		CreatedAt:  time.Now(),
	}
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.From = e.From.clone()
	if e.To != nil {
		c.To = make([]Path, len(e.To))
		for i, p := range e.To {
			c.To[i] = p.clone()
		}
	}
	c.Params = e.Params.clone()
	c.Extensions = e.Extensions.clone()
	return &c
}

var (
	_ msgp.Marshaler   = (*Envelope)(nil)
	_ msgp.Unmarshaler = (*Envelope)(nil)
	_ msgp.Sizer       = (*Envelope)(nil)
)

// MarshalMsg appends the MessagePack encoding of e to b.
func (e *Envelope) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 10)
	b = msgp.AppendString(b, "id")
	b = msgp.AppendString(b, e.ID)
	b = msgp.AppendString(b, "from")
	b = appendPath(b, e.From)
	b = msgp.AppendString(b, "to")
	b = msgp.AppendArrayHeader(b, uint32(len(e.To)))
	for _, p := range e.To {
		b = appendPath(b, p)
	}
	b = msgp.AppendString(b, "params")
	b = msgp.AppendArrayHeader(b, uint32(len(e.Params)))
	for _, p := range e.Params {
		b = msgp.AppendArrayHeader(b, 3)
		b = msgp.AppendString(b, p.Key)
		b = msgp.AppendString(b, p.Value)
		b = msgp.AppendBool(b, p.HasValue)
	}
	b = msgp.AppendString(b, "body")
	b = msgp.AppendString(b, string(e.Body))
	b = msgp.AppendString(b, "smtputf8")
	b = msgp.AppendBool(b, e.SMTPUTF8)
	b = msgp.AppendString(b, "size")
	b = msgp.AppendInt64(b, e.DeclaredSize)
	b = msgp.AppendString(b, "auth")
	b = msgp.AppendString(b, e.AuthParam)
	b = msgp.AppendString(b, "ext")
	b = appendExtensions(b, e.Extensions)
	b = msgp.AppendString(b, "created")
	b = msgp.AppendTime(b, e.CreatedAt)
	return b, nil
}

// UnmarshalMsg decodes e from the front of b and returns the rest.
// Unknown keys are skipped.
func (e *Envelope) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	*e = Envelope{}
	for ; n > 0; n-- {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return b, err
		}
		switch string(key) {
		case "id":
			e.ID, b, err = msgp.ReadStringBytes(b)
		case "from":
			e.From, b, err = readPath(b)
		case "to":
			var cnt uint32
			cnt, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return b, msgp.WrapError(err, "to")
			}
			if int64(cnt) > int64(len(b)) {
				return b, msgp.WrapError(msgp.ErrShortBytes, "to")
			}
			e.To = make([]Path, cnt)
			for i := range e.To {
				e.To[i], b, err = readPath(b)
				if err != nil {
					return b, msgp.WrapError(err, "to", i)
				}
			}
		case "params":
			e.Params, b, err = readParams(b)
		case "body":
			var s string
			s, b, err = msgp.ReadStringBytes(b)
			e.Body = BodyType(s)
		case "smtputf8":
			e.SMTPUTF8, b, err = msgp.ReadBoolBytes(b)
		case "size":
			e.DeclaredSize, b, err = msgp.ReadInt64Bytes(b)
		case "auth":
			e.AuthParam, b, err = msgp.ReadStringBytes(b)
		case "ext":
			e.Extensions, b, err = readExtensions(b)
		case "created":
			e.CreatedAt, b, err = msgp.ReadTimeBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, msgp.WrapError(err, string(key))
		}
	}
	return b, nil
}

// Msgsize returns an upper bound of the encoded size of e.
func (e *Envelope) Msgsize() int {
	s := msgp.MapHeaderSize + 10*msgp.StringPrefixSize + 48
	s += msgp.StringPrefixSize + len(e.ID)
	s += pathMsgsize(e.From) + msgp.ArrayHeaderSize
	for _, p := range e.To {
		s += pathMsgsize(p)
	}
	s += msgp.ArrayHeaderSize
	for _, p := range e.Params {
		s += msgp.ArrayHeaderSize + 2*msgp.StringPrefixSize + len(p.Key) + len(p.Value) + msgp.BoolSize
	}
	s += msgp.StringPrefixSize + len(e.Body) + msgp.BoolSize + msgp.Int64Size
	s += msgp.StringPrefixSize + len(e.AuthParam)
	s += extensionsMsgsize(e.Extensions) + msgp.TimeSize
	return s
}

func appendPath(b []byte, p Path) []byte {
	b = msgp.AppendMapHeader(b, 4)
	b = msgp.AppendString(b, "route")
	b = msgp.AppendArrayHeader(b, uint32(len(p.Route)))
	for _, h := range p.Route {
		b = msgp.AppendString(b, h.Raw)
	}
	b = msgp.AppendString(b, "lkind")
	b = msgp.AppendInt(b, int(p.Mailbox.Localpart.Kind))
	b = msgp.AppendString(b, "local")
	b = msgp.AppendString(b, p.Mailbox.Localpart.Raw)
	b = msgp.AppendString(b, "domain")
	b = msgp.AppendString(b, p.Mailbox.Domain.Raw)
	return b
}

func readPath(b []byte) (Path, []byte, error) {
	var p Path
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return p, b, err
	}
	for ; n > 0; n-- {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return p, b, err
		}
		switch string(key) {
		case "route":
			var cnt uint32
			cnt, b, err = msgp.ReadArrayHeaderBytes(b)
			for i := uint32(0); err == nil && i < cnt; i++ {
				var raw string
				raw, b, err = msgp.ReadStringBytes(b)
				if err != nil {
					break
				}
				var h Hostname
				h, err = ParseHostname(raw)
				p.Route = append(p.Route, h)
			}
		case "lkind":
			var k int
			k, b, err = msgp.ReadIntBytes(b)
			p.Mailbox.Localpart.Kind = LocalpartKind(k)
		case "local":
			p.Mailbox.Localpart.Raw, b, err = msgp.ReadStringBytes(b)
		case "domain":
			var raw string
			raw, b, err = msgp.ReadStringBytes(b)
			if err == nil && raw != "" {
				p.Mailbox.Domain, err = ParseHostname(raw)
			}
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return p, b, msgp.WrapError(err, string(key))
		}
	}
	return p, b, nil
}

func pathMsgsize(p Path) int {
	s := msgp.MapHeaderSize + 4*msgp.StringPrefixSize + 20 + msgp.ArrayHeaderSize + msgp.IntSize
	for _, h := range p.Route {
		s += msgp.StringPrefixSize + len(h.Raw)
	}
	return s + 2*msgp.StringPrefixSize + len(p.Mailbox.Localpart.Raw) + len(p.Mailbox.Domain.Raw)
}

func readParams(b []byte) (Params, []byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil || n == 0 {
		return nil, b, err
	}
	// Every param takes at least one byte, so a larger count is corrupt.
	if int64(n) > int64(len(b)) {
		return nil, b, msgp.ErrShortBytes
	}
	ps := make(Params, n)
	for i := range ps {
		var sz uint32
		sz, b, err = msgp.ReadArrayHeaderBytes(b)
		if err != nil {
			return nil, b, err
		}
		if sz != 3 {
			return nil, b, msgp.ArrayError{Wanted: 3, Got: sz}
		}
		if ps[i].Key, b, err = msgp.ReadStringBytes(b); err != nil {
			return nil, b, err
		}
		if ps[i].Value, b, err = msgp.ReadStringBytes(b); err != nil {
			return nil, b, err
		}
		if ps[i].HasValue, b, err = msgp.ReadBoolBytes(b); err != nil {
			return nil, b, err
		}
	}
	return ps, b, nil
}

func appendExtensions(b []byte, e Extensions) []byte {
	b = msgp.AppendMapHeader(b, 7)
	b = msgp.AppendString(b, "pipelining")
	b = msgp.AppendBool(b, e.Pipelining)
	b = msgp.AppendString(b, "8bitmime")
	b = msgp.AppendBool(b, e.EightBitMIME)
	b = msgp.AppendString(b, "smtputf8")
	b = msgp.AppendBool(b, e.SMTPUTF8)
	b = msgp.AppendString(b, "esc")
	b = msgp.AppendBool(b, e.EnhancedStatusCodes)
	b = msgp.AppendString(b, "starttls")
	b = msgp.AppendBool(b, e.StartTLS)
	b = msgp.AppendString(b, "size")
	if e.SizeOffered {
		b = msgp.AppendInt64(b, e.Size)
	} else {
		b = msgp.AppendNil(b)
	}
	b = msgp.AppendString(b, "auth")
	b = msgp.AppendArrayHeader(b, uint32(len(e.Auth)))
	for _, m := range e.Auth {
		b = msgp.AppendString(b, m)
	}
	return b
}

func readExtensions(b []byte) (Extensions, []byte, error) {
	var e Extensions
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return e, b, err
	}
	for ; n > 0; n-- {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return e, b, err
		}
		switch string(key) {
		case "pipelining":
			e.Pipelining, b, err = msgp.ReadBoolBytes(b)
		case "8bitmime":
			e.EightBitMIME, b, err = msgp.ReadBoolBytes(b)
		case "smtputf8":
			e.SMTPUTF8, b, err = msgp.ReadBoolBytes(b)
		case "esc":
			e.EnhancedStatusCodes, b, err = msgp.ReadBoolBytes(b)
		case "starttls":
			e.StartTLS, b, err = msgp.ReadBoolBytes(b)
		case "size":
			if msgp.IsNil(b) {
				b, err = msgp.ReadNilBytes(b)
				break
			}
			e.SizeOffered = true
			e.Size, b, err = msgp.ReadInt64Bytes(b)
		case "auth":
			var cnt uint32
			cnt, b, err = msgp.ReadArrayHeaderBytes(b)
			for i := uint32(0); err == nil && i < cnt; i++ {
				var m string
				m, b, err = msgp.ReadStringBytes(b)
				e.Auth = append(e.Auth, m)
			}
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return e, b, msgp.WrapError(err, string(key))
		}
	}
	return e, b, nil
}

func extensionsMsgsize(e Extensions) int {
	s := msgp.MapHeaderSize + 7*msgp.StringPrefixSize + 50 + 5*msgp.BoolSize + msgp.Int64Size + msgp.ArrayHeaderSize
	for _, m := range e.Auth {
		s += msgp.StringPrefixSize + len(m)
	}
	return s
}
