// Package io implements the SMTP line reader and the transparent DATA
// codec (dot-stuffing, RFC 5321 Section 4.5.2).
package io

import (
	"bufio"
	"bytes"
	"errors"
)

var (
	ErrLineTooLong     = errors.New("smtp: line too long")
	ErrBadLineEnding   = errors.New("smtp: line not terminated by CRLF")
	ErrMessageTooLarge = errors.New("smtp: message too large")
)

// ReadLine reads one line from reader, including its LF terminator.
// Lines longer than max bytes (terminator included) are drained up to the
// next LF so the following read starts at a line boundary, and
// ErrLineTooLong is returned. The returned slice is owned by the caller.
// CRLF validation is left to the command parser.
func ReadLine(reader *bufio.Reader, max int) ([]byte, error) {
	// Fast path: the whole line is already buffered.
	line, err := reader.ReadSlice('\n')
	if err == nil {
		if max > 0 && len(line) > max {
			return nil, ErrLineTooLong
		}
		return bytes.Clone(line), nil
	}
	if err != bufio.ErrBufferFull {
		return nil, err
	}

	// The line is larger than the bufio buffer; accumulate chunks.
	buf := bytes.Clone(line)
	for {
		if max > 0 && len(buf) > max {
			drainLine(reader)
			return nil, ErrLineTooLong
		}
		line, err = reader.ReadSlice('\n')
		buf = append(buf, line...)
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
	}
	if max > 0 && len(buf) > max {
		return nil, ErrLineTooLong
	}
	return buf, nil
}

// HasLine reports whether a complete line is already buffered in reader,
// without blocking on the underlying stream.
func HasLine(reader *bufio.Reader) bool {
	n := reader.Buffered()
	if n == 0 {
		return false
	}
	b, err := reader.Peek(n)
	if err != nil {
		return false
	}
	return bytes.IndexByte(b, '\n') >= 0
}

// drainLine discards the rest of the current line to recover protocol synchronization.
func drainLine(reader *bufio.Reader) {
	for {
		_, err := reader.ReadSlice('\n')
		if err == nil {
			return
		}
		if err != bufio.ErrBufferFull {
			return
		}
	}
}
