package sasl

import (
	"encoding/base64"
	"errors"
	"slices"
	"testing"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestNew(t *testing.T) {
	for _, name := range []string{"PLAIN", "plain", "LOGIN", "Login"} {
		m, err := New(name)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if !equalFold(m.Name(), name) {
			t.Errorf("New(%q) returned mechanism %s", name, m.Name())
		}
	}
	if _, err := New("CRAM-MD5"); !errors.Is(err, ErrUnsupportedMechanism) {
		t.Errorf("expected ErrUnsupportedMechanism, got %v", err)
	}
	if got := Supported(); !slices.Equal(got, []string{"LOGIN", "PLAIN"}) {
		t.Errorf("Supported() = %v", got)
	}
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		x, y := a[i]|0x20, b[i]|0x20
		if x != y {
			return false
		}
	}
	return true
}

func TestPlain(t *testing.T) {
	tests := []struct {
		name     string
		initial  string
		response string
		wantErr  error
		authzid  string
		authcid  string
		identity string
	}{
		{name: "initial response", initial: b64("\x00user@example.com\x00secret123"), authcid: "user@example.com", identity: "user@example.com"},
		{name: "challenge then response", response: b64("admin\x00user@example.com\x00secret123"), authzid: "admin", authcid: "user@example.com", identity: "admin"},
		{name: "cancel", response: "*", wantErr: ErrAuthenticationCancelled},
		{name: "bad base64", initial: "not-valid-base64!!!", wantErr: ErrInvalidBase64},
		{name: "two parts", initial: b64("user@example.com\x00secret123"), wantErr: ErrInvalidFormat},
		{name: "empty authcid", initial: b64("authzid\x00\x00secret123"), wantErr: ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlain()
			challenge, done, err := p.Start(tt.initial)
			if tt.initial == "" {
				if err != nil || done || challenge != "" {
					t.Fatalf("Start without initial response = %q, %v, %v", challenge, done, err)
				}
				challenge, done, err = p.Next(tt.response)
			}
			if !done {
				t.Fatal("expected exchange to be done")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if err != nil {
				if p.Credentials() != nil {
					t.Error("expected no credentials after failure")
				}
				return
			}
			c := p.Credentials()
			if c.AuthorizationID != tt.authzid || c.AuthenticationID != tt.authcid || c.Password != "secret123" {
				t.Errorf("unexpected credentials %+v", c)
			}
			if c.Identity() != tt.identity {
				t.Errorf("expected identity %s, got %s", tt.identity, c.Identity())
			}
		})
	}
}

func TestLogin_FullExchange(t *testing.T) {
	l := NewLogin()

	challenge, done, err := l.Start("")
	if err != nil || done || challenge != LoginChallengeUsername {
		t.Fatalf("Start = %q, %v, %v", challenge, done, err)
	}
	challenge, done, err = l.Next(b64("user@example.com"))
	if err != nil || done || challenge != LoginChallengePassword {
		t.Fatalf("Next(username) = %q, %v, %v", challenge, done, err)
	}
	challenge, done, err = l.Next(b64("secret123"))
	if err != nil || !done || challenge != "" {
		t.Fatalf("Next(password) = %q, %v, %v", challenge, done, err)
	}

	c := l.Credentials()
	if c == nil {
		t.Fatal("expected credentials")
	}
	if c.AuthenticationID != "user@example.com" || c.Password != "secret123" || c.AuthorizationID != "" {
		t.Errorf("unexpected credentials %+v", c)
	}
}

func TestLogin_InitialUsername(t *testing.T) {
	l := NewLogin()
	challenge, done, err := l.Start(b64("user@example.com"))
	if err != nil || done || challenge != LoginChallengePassword {
		t.Fatalf("Start = %q, %v, %v", challenge, done, err)
	}
	if _, done, err = l.Next(b64("pw")); err != nil || !done {
		t.Fatalf("Next(password) = %v, %v", done, err)
	}
	if l.Credentials().AuthenticationID != "user@example.com" {
		t.Errorf("unexpected credentials %+v", l.Credentials())
	}
}

func TestLogin_Failures(t *testing.T) {
	tests := []struct {
		name      string
		responses []string
		wantErr   error
	}{
		{"cancel at username", []string{"*"}, ErrAuthenticationCancelled},
		{"cancel at password", []string{b64("user"), "*"}, ErrAuthenticationCancelled},
		{"bad base64 username", []string{"not-valid-base64!!!"}, ErrInvalidBase64},
		{"bad base64 password", []string{b64("user"), "not-valid-base64!!!"}, ErrInvalidBase64},
		{"empty username", []string{""}, ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLogin()
			_, _, _ = l.Start("")
			var done bool
			var err error
			for _, r := range tt.responses {
				_, done, err = l.Next(r)
			}
			if !done || !errors.Is(err, tt.wantErr) {
				t.Errorf("expected done with %v, got %v, %v", tt.wantErr, done, err)
			}
			if l.Credentials() != nil {
				t.Error("expected no credentials")
			}
		})
	}
}
