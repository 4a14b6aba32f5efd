package wren

import (
	"errors"
	"strconv"
	"strings"
)

// Param is one ESMTP parameter of a MAIL or RCPT command.
type Param struct {
	// Key is upper-cased.
	Key      string
	Value    string
	HasValue bool
}

// Params keeps ESMTP parameters in the order they were sent.
// Keys are unique.
type Params []Param

// Get returns the value for key, matched case-insensitively.
func (ps Params) Get(key string) (string, bool) {
	for _, p := range ps {
		if equalFoldASCII(p.Key, key) {
			return p.Value, true
		}
	}
	return "", false
}

// Has reports whether key is present.
func (ps Params) Has(key string) bool {
	_, ok := ps.Get(key)
	return ok
}

// String formats the parameters as they appear on a command line.
func (ps Params) String() string {
	var b strings.Builder
	for i, p := range ps {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p.Key)
		if p.HasValue {
			b.WriteByte('=')
			b.WriteString(p.Value)
		}
	}
	return b.String()
}

func (ps Params) clone() Params {
	if ps == nil {
		return nil
	}
	return append(Params(nil), ps...)
}

var errBadXtext = errors.New("invalid xtext")

// DecodeXtext decodes RFC 3461 xtext, as used by the AUTH= parameter.
func DecodeXtext(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '+':
			if i+2 >= len(s) {
				return "", errBadXtext
			}
			hex := s[i+1 : i+3]
			if strings.ToUpper(hex) != hex {
				return "", errBadXtext
			}
			v, err := strconv.ParseUint(hex, 16, 8)
			if err != nil {
				return "", errBadXtext
			}
			b.WriteByte(byte(v))
			i += 2
		case c < 33 || c > 126 || c == '=':
			return "", errBadXtext
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
