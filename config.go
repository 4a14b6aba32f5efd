package wren

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/synqronlabs/wren/sasl"
)

// Config controls a single session. The zero value is usable once
// Hostname is set; unset fields take the values of DefaultConfig.
//
// Extensions offered in the EHLO reply follow from the config:
//   - PIPELINING unless DisablePipelining
//   - 8BITMIME, ENHANCEDSTATUSCODES and SIZE always
//   - SMTPUTF8 unless DisableSMTPUTF8
//   - STARTTLS when Upgrader is set and the stream is not yet encrypted
//   - AUTH when AuthMechanisms is not empty, over TLS or with AllowInsecureAuth
type Config struct {
	// Hostname is the first word of the banner and of the EHLO reply. Required.
	Hostname string

	// Banner is the text after the hostname in the 220 greeting.
	// Default: "ESMTP ready"
	Banner string

	// Limits bounds command line lengths.
	Limits Limits

	// MaxMessageSize is the largest body in bytes, after unstuffing
	// (0 = unlimited). Advertised with SIZE.
	MaxMessageSize int64

	// MaxDataLineLength bounds body lines, CRLF included (RFC 5321: 1000).
	// Negative disables the check.
	MaxDataLineLength int

	// MaxRecipients is the maximum recipients per transaction (0 = unlimited).
	MaxRecipients int

	// MaxCommands is the maximum commands per session (0 = unlimited).
	MaxCommands int64

	// MaxErrors is the number of rejected commands after which the
	// session is closed with 421 (0 = unlimited).
	MaxErrors int

	// PipelineDepth bounds how many buffered commands are queued at once.
	// Default: 100
	PipelineDepth int

	DisablePipelining bool
	DisableSMTPUTF8   bool

	// Upgrader performs STARTTLS. Nil means STARTTLS is not offered.
	Upgrader Upgrader

	// RequireTLS refuses MAIL and AUTH until the stream is encrypted.
	RequireTLS bool

	// AuthMechanisms are the SASL mechanisms offered, see sasl.Supported.
	AuthMechanisms []string

	// RequireAuth refuses MAIL until the client authenticated.
	RequireAuth bool

	// AllowInsecureAuth offers AUTH on unencrypted streams.
	AllowInsecureAuth bool

	// Logger receives session logs. Default: slog.Default()
	Logger *slog.Logger
}

// Defaults for Config fields left zero.
const (
	DefaultPipelineDepth     = 100
	DefaultMaxDataLineLength = 1000
	DefaultBanner            = "ESMTP ready"
)

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig(hostname string) Config {
	return Config{
		Hostname:          hostname,
		Banner:            DefaultBanner,
		Limits:            DefaultLimits(),
		MaxDataLineLength: DefaultMaxDataLineLength,
		PipelineDepth:     DefaultPipelineDepth,
		Logger:            slog.Default(),
	}
}

// Validate reports configuration errors that would make sessions misbehave.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return ErrNoHostname
	}
	for _, name := range c.AuthMechanisms {
		if _, err := sasl.New(name); err != nil {
			return fmt.Errorf("%w: %s", err, name)
		}
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("smtp: negative MaxMessageSize %d", c.MaxMessageSize)
	}
	return nil
}

// withDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) withDefaults() *Config {
	if c.Banner == "" {
		c.Banner = DefaultBanner
	}
	d := DefaultLimits()
	if c.Limits.MaxLine <= 0 {
		c.Limits.MaxLine = d.MaxLine
	}
	if c.Limits.MaxMailLine <= 0 {
		c.Limits.MaxMailLine = d.MaxMailLine
	}
	if c.Limits.MaxAuthLine <= 0 {
		c.Limits.MaxAuthLine = d.MaxAuthLine
	}
	switch {
	case c.MaxDataLineLength == 0:
		c.MaxDataLineLength = DefaultMaxDataLineLength
	case c.MaxDataLineLength < 0:
		c.MaxDataLineLength = 0
	}
	if c.PipelineDepth <= 0 {
		c.PipelineDepth = DefaultPipelineDepth
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.AuthMechanisms != nil {
		c.AuthMechanisms = append([]string(nil), c.AuthMechanisms...)
		for i, m := range c.AuthMechanisms {
			c.AuthMechanisms[i] = strings.ToUpper(m)
		}
	}
	return &c
}
