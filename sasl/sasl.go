// Package sasl implements the server side of the SASL mechanisms offered
// through SMTP AUTH (RFC 4954).
package sasl

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrAuthenticationCancelled is returned when the client answers a challenge with "*".
	ErrAuthenticationCancelled = errors.New("sasl: authentication cancelled")

	// ErrInvalidFormat is returned when decoded client data does not fit the mechanism.
	ErrInvalidFormat = errors.New("sasl: invalid authentication data")

	// ErrInvalidBase64 is returned when a client response is not base64.
	ErrInvalidBase64 = errors.New("sasl: invalid base64 encoding")

	// ErrUnsupportedMechanism is returned by New for unknown mechanism names.
	ErrUnsupportedMechanism = errors.New("sasl: unsupported mechanism")
)

// Credentials holds what the client presented.
type Credentials struct {
	AuthorizationID  string // identity to act as (authzid)
	AuthenticationID string // identity whose password is checked (authcid)
	Password         string
}

// Identity returns the authorization identity, or the authentication
// identity when the client did not ask to act as someone else.
func (c *Credentials) Identity() string {
	if c.AuthorizationID != "" {
		return c.AuthorizationID
	}
	return c.AuthenticationID
}

// Mechanism is one server-side exchange. Challenges and responses are
// base64 text as sent on the wire; an empty initial response means the
// client sent none.
type Mechanism interface {
	Name() string
	Start(initialResponse string) (challenge string, done bool, err error)
	Next(response string) (challenge string, done bool, err error)
	// Credentials is nil until the exchange completed without error.
	Credentials() *Credentials
}

var mechanisms = map[string]func() Mechanism{
	"PLAIN": func() Mechanism { return NewPlain() },
	"LOGIN": func() Mechanism { return NewLogin() },
}

// New returns a fresh exchange for the named mechanism. Names are case
// insensitive.
func New(name string) (Mechanism, error) {
	f, ok := mechanisms[strings.ToUpper(name)]
	if !ok {
		return nil, ErrUnsupportedMechanism
	}
	return f(), nil
}

// Supported returns the names New accepts, sorted.
func Supported() []string {
	names := make([]string, 0, len(mechanisms))
	for name := range mechanisms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsCancel reports whether a client response aborts the exchange.
func IsCancel(response string) bool {
	return response == "*"
}
