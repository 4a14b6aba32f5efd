// Package config loads the wrend daemon configuration from a YAML file
// with WREN_* environment variable overrides.
package config

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/synqronlabs/wren"
	"github.com/synqronlabs/wren/dns"
	"github.com/synqronlabs/wren/sasl"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 25 << 20

// Config holds the complete daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	TLS     TLSConfig     `yaml:"tls"`
	Auth    AuthConfig    `yaml:"auth"`
	Policy  PolicyConfig  `yaml:"policy"`
	DNS     DNSConfig     `yaml:"dns"`
	Spool   SpoolConfig   `yaml:"spool"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds listener and session limits.
type ServerConfig struct {
	Hostname string `yaml:"hostname"`
	Listen   string `yaml:"listen"`
	// ListenTLS is an optional implicit TLS address, usually ":465".
	ListenTLS string `yaml:"listen_tls"`
	Banner    string `yaml:"banner"`

	MaxMessageSize    int64 `yaml:"max_message_size"`
	MaxRecipients     int   `yaml:"max_recipients"`
	MaxConnections    int   `yaml:"max_connections"`
	MaxCommands       int64 `yaml:"max_commands"`
	MaxErrors         int   `yaml:"max_errors"`
	PipelineDepth     int   `yaml:"pipeline_depth"`
	DisablePipelining bool  `yaml:"disable_pipelining"`
	DisableSMTPUTF8   bool  `yaml:"disable_smtputf8"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	DataTimeout     time.Duration `yaml:"data_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds certificate paths. STARTTLS is offered when both are set.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Require  bool   `yaml:"require"`
}

// AuthConfig holds SMTP AUTH settings. Users maps identities to passwords.
type AuthConfig struct {
	Mechanisms    []string          `yaml:"mechanisms"`
	Require       bool              `yaml:"require"`
	AllowInsecure bool              `yaml:"allow_insecure"`
	Users         map[string]string `yaml:"users"`
}

// PolicyConfig configures the connection and address checks.
type PolicyConfig struct {
	LocalDomains      []string      `yaml:"local_domains"`
	AllowedSenders    []string      `yaml:"allowed_senders"`
	AllowNetworks     []string      `yaml:"allow_networks"`
	DenyNetworks      []string      `yaml:"deny_networks"`
	RateLimit         int           `yaml:"rate_limit"`
	RateWindow        time.Duration `yaml:"rate_window"`
	RequireReverseDNS bool          `yaml:"require_reverse_dns"`
	CheckSenderDomain bool          `yaml:"check_sender_domain"`
}

// DNSConfig configures the resolver. Empty Nameservers uses /etc/resolv.conf.
type DNSConfig struct {
	Nameservers []string      `yaml:"nameservers"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	ReverseDNS  bool          `yaml:"reverse_dns"`
}

// SpoolConfig holds the directory accepted messages are written to.
type SpoolConfig struct {
	Dir string `yaml:"dir"`
}

// MetricsConfig holds the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, if not empty, over the defaults, applies the
// environment and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
		if err := cfg.parse(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.FromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if host, err := os.Hostname(); err == nil {
		c.Server.Hostname = host
	}
	c.Server.Listen = ":25"
	c.Server.MaxMessageSize = defaultMaxMessageSize
	c.Server.MaxRecipients = 100
	c.Server.MaxErrors = 10
	c.Server.PipelineDepth = wren.DefaultPipelineDepth
	c.Server.ReadTimeout = 5 * time.Minute
	c.Server.WriteTimeout = 5 * time.Minute
	c.Server.DataTimeout = 10 * time.Minute
	c.Server.ShutdownTimeout = 30 * time.Second
	c.Policy.RateWindow = time.Minute
	c.DNS.Timeout = 5 * time.Second
	c.DNS.Retries = 2
	c.Spool.Dir = "/var/spool/wren"
	c.Metrics.Path = "/metrics"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// FromEnv overrides c with the WREN_* environment variables that are set.
// Lists are comma separated.
func (c *Config) FromEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	int64v := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("WREN_HOSTNAME", &c.Server.Hostname)
	str("WREN_LISTEN", &c.Server.Listen)
	str("WREN_LISTEN_TLS", &c.Server.ListenTLS)
	str("WREN_BANNER", &c.Server.Banner)
	int64v("WREN_MAX_MESSAGE_SIZE", &c.Server.MaxMessageSize)
	integer("WREN_MAX_RECIPIENTS", &c.Server.MaxRecipients)
	integer("WREN_MAX_CONNECTIONS", &c.Server.MaxConnections)
	int64v("WREN_MAX_COMMANDS", &c.Server.MaxCommands)
	integer("WREN_MAX_ERRORS", &c.Server.MaxErrors)
	integer("WREN_PIPELINE_DEPTH", &c.Server.PipelineDepth)
	duration("WREN_READ_TIMEOUT", &c.Server.ReadTimeout)
	duration("WREN_WRITE_TIMEOUT", &c.Server.WriteTimeout)
	duration("WREN_DATA_TIMEOUT", &c.Server.DataTimeout)
	duration("WREN_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	str("WREN_TLS_CERT_FILE", &c.TLS.CertFile)
	str("WREN_TLS_KEY_FILE", &c.TLS.KeyFile)
	boolean("WREN_REQUIRE_TLS", &c.TLS.Require)

	list("WREN_AUTH_MECHANISMS", &c.Auth.Mechanisms)
	boolean("WREN_REQUIRE_AUTH", &c.Auth.Require)

	list("WREN_LOCAL_DOMAINS", &c.Policy.LocalDomains)
	list("WREN_DENY_NETWORKS", &c.Policy.DenyNetworks)
	integer("WREN_RATE_LIMIT", &c.Policy.RateLimit)

	list("WREN_DNS_NAMESERVERS", &c.DNS.Nameservers)
	boolean("WREN_REVERSE_DNS", &c.DNS.ReverseDNS)

	str("WREN_SPOOL_DIR", &c.Spool.Dir)
	str("WREN_METRICS_LISTEN", &c.Metrics.Listen)

	if v := os.Getenv("WREN_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("WREN_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Hostname == "" {
		errs = append(errs, errors.New("config: server.hostname is required"))
	}
	if c.Server.Listen == "" && c.Server.ListenTLS == "" {
		errs = append(errs, errors.New("config: server.listen or server.listen_tls is required"))
	}
	if c.Server.MaxMessageSize < 0 {
		errs = append(errs, errors.New("config: server.max_message_size must not be negative"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("config: tls.cert_file and tls.key_file must be set together"))
	}
	if !c.TLSEnabled() {
		if c.TLS.Require {
			errs = append(errs, errors.New("config: tls.require needs a certificate"))
		}
		if c.Server.ListenTLS != "" {
			errs = append(errs, errors.New("config: server.listen_tls needs a certificate"))
		}
	}
	for _, m := range c.Auth.Mechanisms {
		if _, err := sasl.New(m); err != nil {
			errs = append(errs, fmt.Errorf("config: auth.mechanisms: %w: %s", err, m))
		}
	}
	if c.Auth.Require && len(c.Auth.Mechanisms) == 0 {
		errs = append(errs, errors.New("config: auth.require needs auth.mechanisms"))
	}
	if c.Policy.RateLimit < 0 || (c.Policy.RateLimit > 0 && c.Policy.RateWindow <= 0) {
		errs = append(errs, errors.New("config: policy.rate_limit needs a positive rate_window"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("config: unknown logging.format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// TLSEnabled reports whether a certificate is configured.
func (c *Config) TLSEnabled() bool {
	return c.TLS.CertFile != "" && c.TLS.KeyFile != ""
}

// LogLevel parses Logging.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("config: logging.level: %w", err)
	}
	return l, nil
}

// ServerConfig converts c to the server's configuration. Hooks and
// Resolver are left for the caller.
func (c *Config) ServerConfig(logger *slog.Logger) (wren.ServerConfig, error) {
	sc := wren.DefaultServerConfig(c.Server.Hostname)
	sc.Addr = c.Server.Listen
	if logger != nil {
		sc.Logger = logger
	}
	if c.Server.Banner != "" {
		sc.Banner = c.Server.Banner
	}
	sc.MaxMessageSize = c.Server.MaxMessageSize
	sc.MaxRecipients = c.Server.MaxRecipients
	sc.MaxConnections = c.Server.MaxConnections
	sc.MaxCommands = c.Server.MaxCommands
	sc.MaxErrors = c.Server.MaxErrors
	sc.PipelineDepth = c.Server.PipelineDepth
	sc.DisablePipelining = c.Server.DisablePipelining
	sc.DisableSMTPUTF8 = c.Server.DisableSMTPUTF8
	sc.ReadTimeout = c.Server.ReadTimeout
	sc.WriteTimeout = c.Server.WriteTimeout
	sc.DataTimeout = c.Server.DataTimeout
	sc.ShutdownTimeout = c.Server.ShutdownTimeout
	sc.RequireTLS = c.TLS.Require
	sc.AuthMechanisms = c.Auth.Mechanisms
	sc.RequireAuth = c.Auth.Require
	sc.AllowInsecureAuth = c.Auth.AllowInsecure

	if c.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return wren.ServerConfig{}, fmt.Errorf("config: failed to load TLS certificate: %w", err)
		}
		sc.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	return sc, sc.Validate()
}

// ClientConfig converts the dns section.
func (c *Config) ClientConfig() dns.ClientConfig {
	return dns.ClientConfig{
		Nameservers: c.DNS.Nameservers,
		Timeout:     c.DNS.Timeout,
		Retries:     c.DNS.Retries,
	}
}

// Guard builds the policy checks. resolver is used for sender domain
// checks and may be nil. next receives what the guard lets through.
func (c *Config) Guard(next wren.Hooks, resolver dns.Resolver) (*wren.Guard, error) {
	g := &wren.Guard{
		Hooks:             next,
		RequireReverseDNS: c.Policy.RequireReverseDNS,
	}
	if c.Policy.CheckSenderDomain {
		g.Resolver = resolver
	}
	if c.Policy.RateLimit > 0 {
		g.Limiter = wren.NewRateLimiter(c.Policy.RateLimit, c.Policy.RateWindow)
	}

	if len(c.Policy.AllowNetworks) > 0 || len(c.Policy.DenyNetworks) > 0 {
		mode := wren.IPFilterModeDeny
		if len(c.Policy.AllowNetworks) > 0 {
			mode = wren.IPFilterModeAllow
		}
		f := wren.NewIPFilter(mode)
		for _, n := range c.Policy.AllowNetworks {
			if err := f.Allow(n); err != nil {
				return nil, fmt.Errorf("config: policy.allow_networks: %w", err)
			}
		}
		for _, n := range c.Policy.DenyNetworks {
			if err := f.Deny(n); err != nil {
				return nil, fmt.Errorf("config: policy.deny_networks: %w", err)
			}
		}
		g.Filter = f
	}

	if len(c.Policy.LocalDomains) > 0 || len(c.Policy.AllowedSenders) > 0 {
		v := wren.NewDomainValidator()
		for _, d := range c.Policy.LocalDomains {
			if err := v.AddLocalDomain(d); err != nil {
				return nil, fmt.Errorf("config: policy.local_domains: %w", err)
			}
		}
		for _, d := range c.Policy.AllowedSenders {
			if err := v.AddAllowedSender(d); err != nil {
				return nil, fmt.Errorf("config: policy.allowed_senders: %w", err)
			}
		}
		g.Domains = v
	}
	return g, nil
}
