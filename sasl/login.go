package sasl

import (
	"encoding/base64"
)

// Challenges of the LOGIN mechanism, already base64 encoded.
const (
	LoginChallengeUsername = "VXNlcm5hbWU6" // "Username:"
	LoginChallengePassword = "UGFzc3dvcmQ6" // "Password:"
)

type loginStep int

const (
	loginUsername loginStep = iota
	loginPassword
	loginDone
)

// Login is the legacy LOGIN mechanism: username and password are asked
// for in turn. Some clients send the username as initial response.
type Login struct {
	step     loginStep
	username string
	creds    *Credentials
}

// NewLogin returns a LOGIN exchange.
func NewLogin() *Login {
	return &Login{}
}

func (l *Login) Name() string {
	return "LOGIN"
}

func (l *Login) Start(initialResponse string) (string, bool, error) {
	l.step = loginUsername
	if initialResponse == "" {
		return LoginChallengeUsername, false, nil
	}
	return l.Next(initialResponse)
}

func (l *Login) Next(response string) (string, bool, error) {
	if IsCancel(response) {
		l.step = loginDone
		return "", true, ErrAuthenticationCancelled
	}
	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		l.step = loginDone
		return "", true, ErrInvalidBase64
	}

	switch l.step {
	case loginUsername:
		if len(decoded) == 0 {
			l.step = loginDone
			return "", true, ErrInvalidFormat
		}
		l.username = string(decoded)
		l.step = loginPassword
		return LoginChallengePassword, false, nil
	case loginPassword:
		l.creds = &Credentials{AuthenticationID: l.username, Password: string(decoded)}
		l.step = loginDone
		return "", true, nil
	}
	return "", true, ErrInvalidFormat
}

func (l *Login) Credentials() *Credentials {
	return l.creds
}
