package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/synqronlabs/wren"
)

var envVars = []string{
	"WREN_HOSTNAME", "WREN_LISTEN", "WREN_LISTEN_TLS", "WREN_BANNER",
	"WREN_MAX_MESSAGE_SIZE", "WREN_MAX_RECIPIENTS", "WREN_MAX_CONNECTIONS",
	"WREN_MAX_COMMANDS", "WREN_MAX_ERRORS", "WREN_PIPELINE_DEPTH",
	"WREN_READ_TIMEOUT", "WREN_WRITE_TIMEOUT", "WREN_DATA_TIMEOUT", "WREN_SHUTDOWN_TIMEOUT",
	"WREN_TLS_CERT_FILE", "WREN_TLS_KEY_FILE", "WREN_REQUIRE_TLS",
	"WREN_AUTH_MECHANISMS", "WREN_REQUIRE_AUTH",
	"WREN_LOCAL_DOMAINS", "WREN_DENY_NETWORKS", "WREN_RATE_LIMIT",
	"WREN_DNS_NAMESERVERS", "WREN_REVERSE_DNS",
	"WREN_SPOOL_DIR", "WREN_METRICS_LISTEN", "WREN_LOG_LEVEL", "WREN_LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envVars {
		t.Setenv(env, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wren.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("WREN_HOSTNAME", "mx.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Hostname != "mx.example.com" {
		t.Errorf("Server.Hostname: got %q, want %q", cfg.Server.Hostname, "mx.example.com")
	}
	if cfg.Server.Listen != ":25" {
		t.Errorf("Server.Listen: got %q, want %q", cfg.Server.Listen, ":25")
	}
	if cfg.Server.MaxMessageSize != 25<<20 {
		t.Errorf("Server.MaxMessageSize: got %d, want %d", cfg.Server.MaxMessageSize, 25<<20)
	}
	if cfg.Server.PipelineDepth != wren.DefaultPipelineDepth {
		t.Errorf("Server.PipelineDepth: got %d, want %d", cfg.Server.PipelineDepth, wren.DefaultPipelineDepth)
	}
	if cfg.Server.DataTimeout != 10*time.Minute {
		t.Errorf("Server.DataTimeout: got %v, want %v", cfg.Server.DataTimeout, 10*time.Minute)
	}
	if cfg.TLSEnabled() {
		t.Error("TLSEnabled: got true, want false")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path: got %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  hostname: mail.example.org
  listen: ":2525"
  max_message_size: 1048576
  max_connections: 50
  read_timeout: 30s
auth:
  mechanisms: [plain, login]
  allow_insecure: true
  users:
    alice: secret
policy:
  local_domains: [example.org]
  deny_networks: ["192.0.2.0/24"]
  rate_limit: 10
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Hostname != "mail.example.org" {
		t.Errorf("Server.Hostname: got %q", cfg.Server.Hostname)
	}
	if cfg.Server.Listen != ":2525" {
		t.Errorf("Server.Listen: got %q", cfg.Server.Listen)
	}
	if cfg.Server.MaxMessageSize != 1048576 {
		t.Errorf("Server.MaxMessageSize: got %d", cfg.Server.MaxMessageSize)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("Server.ReadTimeout: got %v", cfg.Server.ReadTimeout)
	}
	// Unset keys keep their defaults.
	if cfg.Server.WriteTimeout != 5*time.Minute {
		t.Errorf("Server.WriteTimeout: got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Auth.Users["alice"] != "secret" {
		t.Errorf("Auth.Users: got %v", cfg.Auth.Users)
	}
	if len(cfg.Policy.LocalDomains) != 1 || cfg.Policy.LocalDomains[0] != "example.org" {
		t.Errorf("Policy.LocalDomains: got %v", cfg.Policy.LocalDomains)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  hostname: file.example.com
  listen: ":2525"
`)
	t.Setenv("WREN_HOSTNAME", "env.example.com")
	t.Setenv("WREN_MAX_MESSAGE_SIZE", "10485760")
	t.Setenv("WREN_DATA_TIMEOUT", "2m")
	t.Setenv("WREN_AUTH_MECHANISMS", "PLAIN, LOGIN")
	t.Setenv("WREN_DNS_NAMESERVERS", "9.9.9.9:53,1.1.1.1:53")
	t.Setenv("WREN_REVERSE_DNS", "true")
	t.Setenv("WREN_LOG_LEVEL", "WARN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Hostname != "env.example.com" {
		t.Errorf("Server.Hostname: got %q, want %q", cfg.Server.Hostname, "env.example.com")
	}
	if cfg.Server.Listen != ":2525" {
		t.Errorf("Server.Listen: got %q, want %q", cfg.Server.Listen, ":2525")
	}
	if cfg.Server.MaxMessageSize != 10485760 {
		t.Errorf("Server.MaxMessageSize: got %d", cfg.Server.MaxMessageSize)
	}
	if cfg.Server.DataTimeout != 2*time.Minute {
		t.Errorf("Server.DataTimeout: got %v", cfg.Server.DataTimeout)
	}
	if got := strings.Join(cfg.Auth.Mechanisms, ","); got != "PLAIN,LOGIN" {
		t.Errorf("Auth.Mechanisms: got %q", got)
	}
	if len(cfg.DNS.Nameservers) != 2 || cfg.DNS.Nameservers[1] != "1.1.1.1:53" {
		t.Errorf("DNS.Nameservers: got %v", cfg.DNS.Nameservers)
	}
	if !cfg.DNS.ReverseDNS {
		t.Error("DNS.ReverseDNS: got false, want true")
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "warn")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown key",
			yaml:    "server:\n  hostnme: x\n",
			wantErr: "failed to parse",
		},
		{
			name:    "bad env integer",
			env:     map[string]string{"WREN_MAX_RECIPIENTS": "many"},
			wantErr: "WREN_MAX_RECIPIENTS",
		},
		{
			name:    "bad env duration",
			env:     map[string]string{"WREN_READ_TIMEOUT": "soon"},
			wantErr: "WREN_READ_TIMEOUT",
		},
		{
			name:    "cert without key",
			yaml:    "tls:\n  cert_file: /tmp/cert.pem\n",
			wantErr: "must be set together",
		},
		{
			name:    "require tls without cert",
			env:     map[string]string{"WREN_REQUIRE_TLS": "true"},
			wantErr: "tls.require",
		},
		{
			name:    "unknown mechanism",
			yaml:    "auth:\n  mechanisms: [CRAM-MD5]\n",
			wantErr: "auth.mechanisms",
		},
		{
			name:    "require auth without mechanisms",
			yaml:    "auth:\n  require: true\n",
			wantErr: "auth.require",
		},
		{
			name:    "bad log level",
			yaml:    "logging:\n  level: loud\n",
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			yaml:    "logging:\n  format: xml\n",
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("WREN_HOSTNAME", "mx.example.com")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeConfig(t, tt.yaml)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestServerConfig(t *testing.T) {
	cfg := Default()
	cfg.Server.Hostname = "mx.example.com"
	cfg.Server.Listen = ":2525"
	cfg.Server.MaxConnections = 20
	cfg.Auth.Mechanisms = []string{"PLAIN"}
	cfg.Auth.Require = true

	sc, err := cfg.ServerConfig(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.Hostname != "mx.example.com" || sc.Addr != ":2525" {
		t.Errorf("got hostname %q addr %q", sc.Hostname, sc.Addr)
	}
	if sc.MaxConnections != 20 {
		t.Errorf("MaxConnections: got %d", sc.MaxConnections)
	}
	if !sc.RequireAuth || len(sc.AuthMechanisms) != 1 {
		t.Errorf("auth not converted: %+v", sc.AuthMechanisms)
	}
	if sc.TLSConfig != nil {
		t.Error("TLSConfig set without certificate")
	}
	if sc.Banner != wren.DefaultBanner {
		t.Errorf("Banner: got %q", sc.Banner)
	}
}

func TestServerConfig_BadCertificate(t *testing.T) {
	cfg := Default()
	cfg.Server.Hostname = "mx.example.com"
	cfg.TLS.CertFile = filepath.Join(t.TempDir(), "cert.pem")
	cfg.TLS.KeyFile = filepath.Join(t.TempDir(), "key.pem")

	if _, err := cfg.ServerConfig(nil); err == nil {
		t.Fatal("expected error loading missing certificate")
	}
}

func TestGuard(t *testing.T) {
	cfg := Default()
	cfg.Policy.LocalDomains = []string{"example.com"}
	cfg.Policy.DenyNetworks = []string{"192.0.2.0/24"}
	cfg.Policy.RateLimit = 5

	g, err := cfg.Guard(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Filter == nil || g.Limiter == nil || g.Domains == nil {
		t.Fatalf("guard incomplete: %+v", g)
	}
	if g.Filter.IsAllowed(netip.MustParseAddr("192.0.2.7")) {
		t.Error("denied network allowed")
	}
	if !g.Filter.IsAllowed(netip.MustParseAddr("198.51.100.1")) {
		t.Error("unlisted address refused in deny mode")
	}
	h, _ := wren.ParseHostname("example.com")
	if !g.Domains.IsLocal(h) {
		t.Error("example.com not local")
	}
	if g.Resolver != nil {
		t.Error("resolver set without check_sender_domain")
	}
}

func TestGuard_InvalidNetwork(t *testing.T) {
	cfg := Default()
	cfg.Policy.AllowNetworks = []string{"not-a-network"}

	if _, err := cfg.Guard(nil, nil); err == nil {
		t.Fatal("expected error for invalid network")
	}
}
