package wren

import (
	"crypto/tls"
	"net"
	"strings"
	"testing"
	"time"
)

func TestSessionInfoProtocol(t *testing.T) {
	ehlo := &Hello{Verb: CmdEhlo}
	helo := &Hello{Verb: CmdHelo}
	tlsState := &tls.ConnectionState{Version: tls.VersionTLS13}
	auth := &AuthInfo{Mechanism: "PLAIN"}

	tests := []struct {
		info SessionInfo
		want string
	}{
		{SessionInfo{}, "SMTP"},
		{SessionInfo{Hello: helo}, "SMTP"},
		{SessionInfo{Hello: helo, TLS: tlsState}, "SMTP"},
		{SessionInfo{Hello: ehlo}, "ESMTP"},
		{SessionInfo{Hello: ehlo, TLS: tlsState}, "ESMTPS"},
		{SessionInfo{Hello: ehlo, Auth: auth}, "ESMTPA"},
		{SessionInfo{Hello: ehlo, TLS: tlsState, Auth: auth}, "ESMTPSA"},
		{SessionInfo{Hello: ehlo, Envelope: &Envelope{SMTPUTF8: true}}, "UTF8SMTP"},
		{SessionInfo{Hello: ehlo, TLS: tlsState, Envelope: &Envelope{SMTPUTF8: true}}, "UTF8SMTPS"},
	}
	for _, tt := range tests {
		if got := tt.info.Protocol(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}

func TestReceivedHeader(t *testing.T) {
	domain, _ := ParseHostname("client.example.org")
	to, _ := ParsePath("<bob@example.com>")
	info := &SessionInfo{
		RemoteAddr: &net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 4242},
		ReverseDNS: "mail.example.org",
		Hello:      &Hello{Verb: CmdEhlo, Domain: domain},
		Envelope:   &Envelope{ID: "01HZX3K5V8J6Q2W4E9R7T1Y0UA", To: []Path{to}},
	}
	now := time.Date(2024, 3, 5, 10, 11, 12, 0, time.UTC)

	got := ReceivedHeader(info, "mx.example.com", now)
	want := "Received: from client.example.org (mail.example.org [192.0.2.7])\r\n" +
		"\tby mx.example.com with ESMTP id 01HZX3K5V8J6Q2W4E9R7T1Y0UA\r\n" +
		"\tfor <bob@example.com>;\r\n" +
		"\tTue, 05 Mar 2024 10:11:12 +0000\r\n"
	if got != want {
		t.Errorf("got\n%q\nwant\n%q", got, want)
	}
}

func TestReceivedHeaderMinimal(t *testing.T) {
	other, _ := ParsePath("<carol@example.com>")
	to, _ := ParsePath("<bob@example.com>")
	info := &SessionInfo{
		TLS:      &tls.ConnectionState{Version: tls.VersionTLS13, CipherSuite: tls.TLS_AES_128_GCM_SHA256},
		Envelope: &Envelope{ID: "id", To: []Path{to, other}},
	}
	got := ReceivedHeader(info, "mx.example.com", time.Unix(0, 0).UTC())
	if !strings.HasPrefix(got, "Received: from unknown\r\n\tby mx.example.com with SMTP id id\r\n") {
		t.Errorf("unexpected header start %q", got)
	}
	if strings.Contains(got, "for <") {
		t.Error("for clause is only written for a single recipient")
	}
	if !strings.Contains(got, "(TLS 1.3 cipher TLS_AES_128_GCM_SHA256)") {
		t.Errorf("missing TLS comment in %q", got)
	}
}
