package sasl

import (
	"bytes"
	"encoding/base64"
)

// Plain is the PLAIN mechanism (RFC 4616): one message carrying
// authzid NUL authcid NUL passwd. Only offer it over TLS.
type Plain struct {
	creds *Credentials
}

// NewPlain returns a PLAIN exchange.
func NewPlain() *Plain {
	return &Plain{}
}

func (p *Plain) Name() string {
	return "PLAIN"
}

// Start completes immediately when the client sent an initial response,
// otherwise it asks for one with an empty challenge.
func (p *Plain) Start(initialResponse string) (string, bool, error) {
	if initialResponse == "" {
		return "", false, nil
	}
	return p.Next(initialResponse)
}

func (p *Plain) Next(response string) (string, bool, error) {
	if IsCancel(response) {
		return "", true, ErrAuthenticationCancelled
	}
	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", true, ErrInvalidBase64
	}
	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 || len(parts[1]) == 0 {
		return "", true, ErrInvalidFormat
	}
	p.creds = &Credentials{
		AuthorizationID:  string(parts[0]),
		AuthenticationID: string(parts[1]),
		Password:         string(parts[2]),
	}
	return "", true, nil
}

func (p *Plain) Credentials() *Credentials {
	return p.creds
}
