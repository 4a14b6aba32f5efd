package spool

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/synqronlabs/wren"
)

func testInfo(t *testing.T, id string) *wren.SessionInfo {
	t.Helper()
	from, err := wren.ParsePath("<sender@example.org>")
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}
	to, err := wren.ParsePath("<rcpt@example.com>")
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}
	helo, err := wren.ParseHostname("client.example.org")
	if err != nil {
		t.Fatalf("ParseHostname: %v", err)
	}
	return &wren.SessionInfo{
		ID:         "session",
		RemoteAddr: &net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 40000},
		Hello:      &wren.Hello{Verb: wren.CmdEhlo, Domain: helo},
		Envelope: &wren.Envelope{
			ID:        id,
			From:      from,
			To:        []wren.Path{to},
			Body:      wren.BodyType8BitMIME,
			CreatedAt: time.Now(),
		},
	}
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "spool"), "mx.example.com", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body := "Subject: test\r\n\r\nHello\r\n"
	id, n, err := s.Store(testInfo(t, "01J0000000000000000000000A"), strings.NewReader(body))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id != "01J0000000000000000000000A" {
		t.Errorf("unexpected id %s", id)
	}

	rc, err := s.Open(id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if int64(len(data)) != n {
		t.Errorf("Store reported %d bytes, file has %d", n, len(data))
	}
	got := string(data)
	if !strings.HasPrefix(got, "Received: from client.example.org ([192.0.2.7])\r\n\tby mx.example.com with ESMTP id "+id) {
		t.Errorf("unexpected Received header:\n%s", got)
	}
	if !strings.Contains(got, "\r\n\tfor <rcpt@example.com>;") {
		t.Errorf("expected for clause in:\n%s", got)
	}
	if !strings.HasSuffix(got, body) {
		t.Errorf("body not preserved:\n%s", got)
	}

	env, err := s.Envelope(id)
	if err != nil {
		t.Fatalf("Envelope: %v", err)
	}
	if env.From.String() != "<sender@example.org>" || len(env.To) != 1 || env.To[0].String() != "<rcpt@example.com>" {
		t.Errorf("unexpected envelope %+v", env)
	}
	if env.Body != wren.BodyType8BitMIME {
		t.Errorf("expected BODY=8BITMIME, got %q", env.Body)
	}

	ids, err := s.List()
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Errorf("List = %v, %v", ids, err)
	}

	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Envelope(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after Remove, got %v", err)
	}
	if _, err := s.Open(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after Remove, got %v", err)
	}
}

func TestStoreFailedBodyLeavesNothing(t *testing.T) {
	s, err := New(t.TempDir(), "mx.example.com", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	readErr := errors.New("body too large")
	body := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(readErr))
	if _, _, err := s.Store(testInfo(t, "01J0000000000000000000000B"), body); !errors.Is(err, readErr) {
		t.Fatalf("expected body error, got %v", err)
	}
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty spool, found %d entries", len(entries))
	}
}

func TestStoreWithoutEnvelope(t *testing.T) {
	s, err := New(t.TempDir(), "mx.example.com", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := s.Store(&wren.SessionInfo{}, strings.NewReader("x")); !errors.Is(err, ErrNoEnvelope) {
		t.Errorf("expected ErrNoEnvelope, got %v", err)
	}
}

func TestListOrder(t *testing.T) {
	s, err := New(t.TempDir(), "mx.example.com", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []string{"01J0000000000000000000000C", "01J0000000000000000000000A", "01J0000000000000000000000B"} {
		if _, _, err := s.Store(testInfo(t, id), strings.NewReader("x\r\n")); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	ids, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"01J0000000000000000000000A", "01J0000000000000000000000B", "01J0000000000000000000000C"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("List = %v, want %v", ids, want)
	}
}
