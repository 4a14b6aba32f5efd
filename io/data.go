package io

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// DataOptions bounds a single DATA transfer.
type DataOptions struct {
	// MaxSize is the maximum number of unstuffed body bytes. Zero means no limit.
	MaxSize int64
	// MaxLineLength is the maximum wire line length including CRLF
	// (RFC 5322 Section 2.1.1 allows 1000). Zero means no limit.
	MaxLineLength int
}

type dataState int

const (
	stateBeginLine dataState = iota
	stateInLine
	stateCR
	stateDot
	stateDotCR
)

// DataReader unstuffs an SMTP DATA stream as it is read.
//
// The stream ends at CRLF "." CRLF; the leading "." of any other line that
// starts with one is removed. Bare CR, bare LF and over-long lines do not
// stop the transfer: they are remembered and reported in place of io.EOF
// once the terminator has been consumed, so the session stays in sync with
// the client. Once MaxSize is exceeded Read returns ErrMessageTooLarge;
// Drain then discards input up to the terminator.
type DataReader struct {
	r    *bufio.Reader
	opts DataOptions

	state    dataState
	size     int64
	lineLen  int
	done     bool
	tooLarge bool
	draining bool

	violation error
	err       error
}

// NewDataReader returns a reader for the body following a 354 reply.
func NewDataReader(r *bufio.Reader, opts DataOptions) *DataReader {
	return &DataReader{r: r, opts: opts}
}

// Size returns the number of unstuffed body bytes seen so far.
func (d *DataReader) Size() int64 {
	return d.size
}

// Done reports whether the terminator has been consumed.
func (d *DataReader) Done() bool {
	return d.done
}

// final is the error returned once the terminator was seen.
func (d *DataReader) final() error {
	switch {
	case d.tooLarge:
		return ErrMessageTooLarge
	case d.violation != nil:
		return d.violation
	}
	return io.EOF
}

func (d *DataReader) badLineEnding() {
	if d.violation == nil {
		d.violation = ErrBadLineEnding
	}
}

func (d *DataReader) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.done {
		return 0, d.final()
	}
	if d.tooLarge && !d.draining {
		return 0, ErrMessageTooLarge
	}

	n := 0
	for n < len(p) {
		c, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			d.err = err
			return n, err
		}

		d.lineLen++
		if d.opts.MaxLineLength > 0 && d.lineLen > d.opts.MaxLineLength && d.violation == nil {
			d.violation = ErrLineTooLong
		}

		emit := true
		switch d.state {
		case stateBeginLine:
			switch c {
			case '.':
				emit = false
				d.state = stateDot
			case '\r':
				d.state = stateCR
			case '\n':
				d.badLineEnding()
				d.lineLen = 0
			default:
				d.state = stateInLine
			}
		case stateInLine:
			switch c {
			case '\r':
				d.state = stateCR
			case '\n':
				d.badLineEnding()
				d.lineLen = 0
				d.state = stateBeginLine
			}
		case stateCR:
			switch c {
			case '\n':
				d.lineLen = 0
				d.state = stateBeginLine
			case '\r':
				d.badLineEnding()
			default:
				d.badLineEnding()
				d.state = stateInLine
			}
		case stateDot:
			switch c {
			case '\r':
				emit = false
				d.state = stateDotCR
			case '\n':
				d.badLineEnding()
				d.lineLen = 0
				d.state = stateBeginLine
			default:
				d.state = stateInLine
			}
		case stateDotCR:
			if c == '\n' {
				d.done = true
				return n, d.final()
			}
			// ".\r" followed by anything but LF: the CR was bare.
			d.badLineEnding()
			_ = d.r.UnreadByte()
			d.lineLen--
			c = '\r'
			d.state = stateCR
		}

		if !emit {
			continue
		}
		d.size++
		if d.opts.MaxSize > 0 && d.size > d.opts.MaxSize {
			d.tooLarge = true
		}
		if d.tooLarge {
			if !d.draining {
				return n, ErrMessageTooLarge
			}
			continue
		}
		p[n] = c
		n++
	}
	return n, nil
}

// Drain consumes the rest of the DATA stream up to and including the
// terminator. It returns nil for a clean body, ErrMessageTooLarge,
// ErrBadLineEnding or ErrLineTooLong for a body that must be rejected, and
// any other error when the underlying stream failed.
func (d *DataReader) Drain() error {
	d.draining = true
	var buf [1024]byte
	for {
		_, err := d.Read(buf[:])
		if err == nil {
			continue
		}
		if d.err != nil {
			return d.err
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}

// DataWriter dot-stuffs a message body for transmission after DATA.
type DataWriter struct {
	w      *bufio.Writer
	bol    bool
	closed bool
}

// NewDataWriter returns a writer that stuffs everything written to it.
// Close must be called to emit the terminator.
func NewDataWriter(w io.Writer) *DataWriter {
	return &DataWriter{w: bufio.NewWriter(w), bol: true}
}

func (d *DataWriter) Write(p []byte) (int, error) {
	if d.closed {
		return 0, errors.New("smtp: write on closed data writer")
	}
	for i, c := range p {
		if d.bol && c == '.' {
			if err := d.w.WriteByte('.'); err != nil {
				return i, err
			}
		}
		if err := d.w.WriteByte(c); err != nil {
			return i, err
		}
		d.bol = c == '\n'
	}
	return len(p), nil
}

// Close terminates the body with CRLF "." CRLF, adding a final CRLF if the
// body did not end with one, and flushes.
func (d *DataWriter) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if !d.bol {
		if _, err := d.w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := d.w.WriteString(".\r\n"); err != nil {
		return err
	}
	return d.w.Flush()
}

// Stuff returns body dot-stuffed and terminated.
func Stuff(body []byte) []byte {
	var buf bytes.Buffer
	w := NewDataWriter(&buf)
	_, _ = w.Write(body)
	_ = w.Close()
	return buf.Bytes()
}

// Unstuff reverses Stuff. Bytes after the terminator are ignored.
func Unstuff(stuffed []byte) ([]byte, error) {
	r := NewDataReader(bufio.NewReader(bytes.NewReader(stuffed)), DataOptions{})
	return io.ReadAll(r)
}
