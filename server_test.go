package wren

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/synqronlabs/wren/dns"
)

// testClient is a simple SMTP client for integration testing.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

func newTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect to server: %v", err)
	}
	return wrapTestClient(t, conn)
}

func wrapTestClient(t *testing.T, conn net.Conn) *testClient {
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &testClient{conn: conn, reader: bufio.NewReader(conn), t: t}
}

func (c *testClient) close() {
	c.conn.Close()
}

func (c *testClient) send(cmd string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(cmd + "\r\n")); err != nil {
		c.t.Fatalf("Failed to send command %q: %v", cmd, err)
	}
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(data)); err != nil {
		c.t.Fatalf("Failed to send raw data: %v", err)
	}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("Failed to read response: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) readMultiline() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		if len(line) < 4 || line[3] == ' ' {
			return lines
		}
	}
}

func (c *testClient) expectCode(expectedCode int) string {
	c.t.Helper()
	line := c.readLine()
	code := 0
	fmt.Sscanf(line, "%d", &code)
	if code != expectedCode {
		c.t.Errorf("Expected code %d, got response: %s", expectedCode, line)
	}
	return line
}

func (c *testClient) expectMultilineCode(expectedCode int) []string {
	c.t.Helper()
	lines := c.readMultiline()
	code := 0
	fmt.Sscanf(lines[len(lines)-1], "%d", &code)
	if code != expectedCode {
		c.t.Errorf("Expected code %d, got response: %v", expectedCode, lines)
	}
	return lines
}

// expectClosed waits for the server to close the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	if line, err := c.reader.ReadString('\n'); err == nil {
		c.t.Errorf("Expected connection to be closed, got %q", line)
	}
}

// startTestServer builds b and serves it on a loopback port.
func startTestServer(t *testing.T, b *ServerBuilder) (*Server, string) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	server, err := b.Logger(discardLogger()).Build()
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(func() { _ = server.Close() })
	return server, listener.Addr().String()
}

func TestServerTransaction(t *testing.T) {
	var (
		mu       sync.Mutex
		body     string
		protocol string
		remote   string
	)
	b := New("test.example.com").OnData(func(_ context.Context, s *SessionInfo, r io.Reader) Decision {
		data, err := io.ReadAll(r)
		if err != nil {
			return Reject(ReplyLocalError(""))
		}
		mu.Lock()
		defer mu.Unlock()
		body = string(data)
		protocol = s.Protocol()
		remote = s.RemoteAddr.String()
		return Accept()
	})
	_, addr := startTestServer(t, b)

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)
	if !strings.Contains(lines[0], "Hello client.example.com [127.0.0.1]") {
		t.Errorf("unexpected greeting line %q", lines[0])
	}
	client.send("MAIL FROM:<sender@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<recipient@example.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw("Subject: Test\r\n\r\n..Hello\r\n.\r\n")
	line := client.expectCode(250)
	if !strings.Contains(line, "Message accepted, id ") {
		t.Errorf("unexpected reply %q", line)
	}
	client.send("QUIT")
	client.expectCode(221)
	client.expectClosed()

	mu.Lock()
	defer mu.Unlock()
	if body != "Subject: Test\r\n\r\n.Hello\r\n" {
		t.Errorf("body: got %q", body)
	}
	if protocol != "ESMTP" {
		t.Errorf("protocol: got %q", protocol)
	}
	if !strings.HasPrefix(remote, "127.0.0.1:") {
		t.Errorf("remote address: got %q", remote)
	}
}

func TestServerPipelining(t *testing.T) {
	b := New("test.example.com").OnRcpt(func(_ context.Context, _ *SessionInfo, c RcptCmd) Decision {
		if c.To.Mailbox.Localpart.Raw == "slow" {
			time.Sleep(30 * time.Millisecond)
		}
		return Accept()
	})
	_, addr := startTestServer(t, b)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	client.sendRaw("MAIL FROM:<a@example.com>\r\nRCPT TO:<slow@example.com>\r\nRCPT TO:<fast@example.com>\r\nDATA\r\n")
	client.expectCode(250)
	if line := client.expectCode(250); !strings.Contains(line, "<slow@example.com>") {
		t.Errorf("replies out of order: %q", line)
	}
	if line := client.expectCode(250); !strings.Contains(line, "<fast@example.com>") {
		t.Errorf("replies out of order: %q", line)
	}
	client.expectCode(354)
	client.sendRaw("hi\r\n.\r\nQUIT\r\n")
	client.expectCode(250)
	client.expectCode(221)
}

func TestServerMaxConnections(t *testing.T) {
	_, addr := startTestServer(t, New("test.example.com").MaxConnections(1))

	first := newTestClient(t, addr)
	defer first.close()
	first.expectCode(220)

	second := newTestClient(t, addr)
	defer second.close()
	line := second.expectCode(421)
	if !strings.Contains(line, "Too many connections") {
		t.Errorf("unexpected refusal %q", line)
	}
	second.expectClosed()

	// The slot is released when the first session ends.
	first.send("QUIT")
	first.expectCode(221)
	first.expectClosed()

	var third *testClient
	for range 50 {
		third = newTestClient(t, addr)
		line, err := third.reader.ReadString('\n')
		if err == nil && strings.HasPrefix(line, "220") {
			break
		}
		third.close()
		third = nil
		time.Sleep(10 * time.Millisecond)
	}
	if third == nil {
		t.Fatal("connection slot was not released")
	}
	third.close()
}

func TestServerGracefulShutdown(t *testing.T) {
	disconnected := make(chan struct{})
	b := New("test.example.com").OnDisconnect(func(context.Context, *SessionInfo) { close(disconnected) })
	server, addr := startTestServer(t, b)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- server.Shutdown(ctx) }()

	line := client.expectCode(421)
	if line != "421 4.3.2 test.example.com Service shutting down" {
		t.Errorf("unexpected shutdown reply %q", line)
	}
	client.expectClosed()

	if err := <-errc; err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Error("disconnect hook not called")
	}

	if _, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		t.Error("server still accepting after shutdown")
	}
}

func TestServerShutdownDuringData(t *testing.T) {
	server, addr := startTestServer(t, New("test.example.com"))

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<b@example.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw("partial body\r\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = server.Shutdown(ctx) }()

	client.expectCode(421)
	client.expectClosed()
}

func TestServerShutdownWithoutGrace(t *testing.T) {
	server, addr := startTestServer(t, New("test.example.com").GracefulShutdown(false))

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	if err := server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// The session may still get its 421 out before the socket closes.
	for {
		line, err := client.reader.ReadString('\n')
		if err != nil {
			break
		}
		if !strings.HasPrefix(line, "421 ") {
			t.Fatalf("unexpected line %q", line)
		}
	}
}

func TestServerServeAfterClose(t *testing.T) {
	server, err := New("test.example.com").Logger(discardLogger()).Build()
	if err != nil {
		t.Fatal(err)
	}
	_ = server.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Serve(listener); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve: got %v, want ErrServerClosed", err)
	}
}

func TestServerRequiresHostname(t *testing.T) {
	if _, err := NewServer(ServerConfig{}); !errors.Is(err, ErrNoHostname) {
		t.Errorf("got %v, want ErrNoHostname", err)
	}
	cfg := DefaultServerConfig("test.example.com")
	cfg.AuthMechanisms = []string{"GSSAPI"}
	if _, err := NewServer(cfg); err == nil {
		t.Error("expected error for unsupported mechanism")
	}
}

func TestServerReverseDNS(t *testing.T) {
	resolver := dns.MockResolver{
		PTR: map[string][]string{"127.0.0.1": {"client.example.org."}},
		A:   map[string][]string{"client.example.org.": {"127.0.0.1"}},
	}
	names := make(chan string, 1)
	b := New("test.example.com").
		ReverseDNS(resolver).
		OnConnect(func(_ context.Context, s *SessionInfo) Decision {
			names <- s.ReverseDNS
			return Accept()
		})
	_, addr := startTestServer(t, b)

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(220)

	if got := <-names; got != "client.example.org" {
		t.Errorf("reverse DNS: got %q", got)
	}
}

func TestServerGuard(t *testing.T) {
	filter := NewIPFilter(IPFilterModeDeny)
	if err := filter.Deny("127.0.0.0/8"); err != nil {
		t.Fatal(err)
	}
	_, addr := startTestServer(t, New("test.example.com").Guard(&Guard{Filter: filter}))

	client := newTestClient(t, addr)
	defer client.close()
	client.expectCode(554)
	client.expectClosed()
}

func TestBuilderConfig(t *testing.T) {
	domains := NewDomainValidator()
	cfg := New("mx.example.com").
		Addr(":2525").
		Banner("hello").
		MaxMessageSize(1024).
		MaxRecipients(5).
		MaxErrors(3).
		PipelineDepth(10).
		DisablePipelining().
		RequireTLS().
		Auth([]string{"PLAIN"}, func(context.Context, *SessionInfo, AuthRequest) Decision { return Accept() }).
		Guard(&Guard{Domains: domains}).
		Config()

	if cfg.Addr != ":2525" || cfg.Banner != "hello" || cfg.MaxMessageSize != 1024 || cfg.MaxRecipients != 5 {
		t.Errorf("settings not applied: %+v", cfg)
	}
	if cfg.MaxErrors != 3 || cfg.PipelineDepth != 10 || !cfg.DisablePipelining || !cfg.RequireTLS {
		t.Errorf("settings not applied: %+v", cfg)
	}
	if !cfg.GracefulShutdown || cfg.ReadTimeout != 5*time.Minute {
		t.Errorf("defaults lost: %+v", cfg)
	}

	g, ok := cfg.Hooks.(*Guard)
	if !ok {
		t.Fatalf("hooks: got %T, want *Guard", cfg.Hooks)
	}
	if g.Domains != domains {
		t.Error("guard settings lost")
	}
	cb, ok := g.Hooks.(*Callbacks)
	if !ok || cb.OnAuth == nil {
		t.Errorf("guard does not wrap the callbacks: %T", g.Hooks)
	}
}

func TestSubmissionConfig(t *testing.T) {
	cfg := SubmissionConfig("mx.example.com")
	if cfg.Addr != ":587" || !cfg.RequireAuth || !cfg.RequireTLS || len(cfg.AuthMechanisms) == 0 {
		t.Errorf("unexpected submission config: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
