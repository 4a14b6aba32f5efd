package io

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDataReader(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		opts        DataOptions
		expected    string
		expectError error
	}{
		{
			name:     "dot-stuffed line is unstuffed",
			input:    "Subject: hi\r\n\r\n.test\r\n.\r\n",
			expected: "Subject: hi\r\n\r\ntest\r\n",
		},
		{
			name:     "empty body",
			input:    ".\r\n",
			expected: "",
		},
		{
			name:     "first line stuffed",
			input:    "..\r\n.\r\n",
			expected: ".\r\n",
		},
		{
			name:     "double dot keeps one",
			input:    "a\r\n..b\r\n.\r\n",
			expected: "a\r\n.b\r\n",
		},
		{
			name:     "dot inside line untouched",
			input:    "a.b\r\n.c.\r\n.\r\n",
			expected: "a.b\r\nc.\r\n",
		},
		{
			name:        "bare LF reported at terminator",
			input:       "a\nb\r\n.\r\n",
			expected:    "a\nb\r\n",
			expectError: ErrBadLineEnding,
		},
		{
			name:        "bare LF dot is not a terminator",
			input:       "a\r\n.\nb\r\n.\r\n",
			expected:    "a\r\n\nb\r\n",
			expectError: ErrBadLineEnding,
		},
		{
			name:        "dot CR without LF is not a terminator",
			input:       "a\r\n.\rb\r\n.\r\n",
			expected:    "a\r\n\rb\r\n",
			expectError: ErrBadLineEnding,
		},
		{
			name:        "line too long",
			input:       "abcdefgh\r\n.\r\n",
			opts:        DataOptions{MaxLineLength: 6},
			expected:    "abcdefgh\r\n",
			expectError: ErrLineTooLong,
		},
		{
			name:        "missing terminator",
			input:       "abc\r\n",
			expected:    "abc\r\n",
			expectError: io.ErrUnexpectedEOF,
		},
		{
			name:     "size at limit",
			input:    "abc\r\n.\r\n",
			opts:     DataOptions{MaxSize: 5},
			expected: "abc\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewDataReader(bufio.NewReader(strings.NewReader(tt.input)), tt.opts)
			got, err := io.ReadAll(r)
			if !errors.Is(err, tt.expectError) && !(err == nil && tt.expectError == nil) {
				t.Fatalf("ReadAll() error = %v, want %v", err, tt.expectError)
			}
			if string(got) != tt.expected {
				t.Errorf("ReadAll() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestDataReaderSizeExceededStaysInSync(t *testing.T) {
	body := strings.Repeat("0123456789\r\n", 20)
	br := bufio.NewReader(strings.NewReader(body + ".\r\nQUIT\r\n"))
	r := NewDataReader(br, DataOptions{MaxSize: 50})

	buf, err := io.ReadAll(r)
	if err != ErrMessageTooLarge {
		t.Fatalf("Expected ErrMessageTooLarge, got %v", err)
	}
	if len(buf) != 50 {
		t.Errorf("Expected 50 bytes before the limit, got %d", len(buf))
	}
	if _, err := r.Read(make([]byte, 8)); err != ErrMessageTooLarge {
		t.Errorf("Expected sticky ErrMessageTooLarge, got %v", err)
	}

	if err := r.Drain(); err != ErrMessageTooLarge {
		t.Fatalf("Drain() = %v, want ErrMessageTooLarge", err)
	}
	if !r.Done() {
		t.Error("Expected terminator to be consumed")
	}
	line, err := ReadLine(br, 512)
	if err != nil || string(line) != "QUIT\r\n" {
		t.Errorf("Expected QUIT after the body, got %q (%v)", line, err)
	}
}

func TestDataReaderDrainAfterPartialRead(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("line one\r\nline two\r\n.\r\nNOOP\r\n"))
	r := NewDataReader(br, DataOptions{})

	if _, err := r.Read(make([]byte, 4)); err != nil {
		t.Fatal(err)
	}
	if err := r.Drain(); err != nil {
		t.Fatalf("Drain() = %v", err)
	}
	if r.Size() != int64(len("line one\r\nline two\r\n")) {
		t.Errorf("Size() = %d", r.Size())
	}
	line, _ := ReadLine(br, 512)
	if string(line) != "NOOP\r\n" {
		t.Errorf("Expected NOOP after the body, got %q", line)
	}
}

func TestDataReaderTransportFailure(t *testing.T) {
	r := NewDataReader(bufio.NewReader(strings.NewReader("partial")), DataOptions{})
	if err := r.Drain(); err != io.ErrUnexpectedEOF {
		t.Errorf("Drain() = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestStuff(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected string
	}{
		{"empty", "", ".\r\n"},
		{"plain", "hello\r\n", "hello\r\n.\r\n"},
		{"lone dot line", "a\r\n.\r\nb\r\n", "a\r\n..\r\nb\r\n.\r\n"},
		{"leading dot", ".hidden\r\n", "..hidden\r\n.\r\n"},
		{"missing final CRLF", "no newline", "no newline\r\n.\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(Stuff([]byte(tt.body))); got != tt.expected {
				t.Errorf("Stuff(%q) = %q, want %q", tt.body, got, tt.expected)
			}
		})
	}
}

func TestStuffRoundTrip(t *testing.T) {
	bodies := []string{
		"",
		"\r\n",
		".\r\n",
		"..\r\n",
		"Subject: hi\r\n\r\n.test\r\n",
		"a\r\n.\r\n.\r\nb\r\n",
		"...\r\n. \r\n.x.\r\n",
		strings.Repeat(".line\r\n", 500),
		"8bit \xc3\xa9t\xc3\xa9\r\n",
	}

	for _, body := range bodies {
		stuffed := Stuff([]byte(body))
		if bytes.Count(stuffed, []byte("\r\n.\r\n")) > 1 || (body != "" && bytes.HasPrefix(stuffed, []byte(".\r\n"))) {
			t.Errorf("Stuffed body %q contains an early terminator: %q", body, stuffed)
		}
		got, err := Unstuff(stuffed)
		if err != nil {
			t.Errorf("Unstuff(Stuff(%q)) error: %v", body, err)
			continue
		}
		if string(got) != body {
			t.Errorf("Round trip mismatch: got %q, want %q", got, body)
		}
	}
}

func TestDataWriterStreaming(t *testing.T) {
	var out bytes.Buffer
	w := NewDataWriter(&out)
	for _, chunk := range []string{"a\r", "\n.", "b\r\n", "."} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	want := "a\r\n..b\r\n..\r\n.\r\n"
	if out.String() != want {
		t.Errorf("DataWriter output = %q, want %q", out.String(), want)
	}
	if _, err := w.Write([]byte("x")); err == nil {
		t.Error("Expected error writing after Close")
	}
}
