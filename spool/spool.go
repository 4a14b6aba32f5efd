// Package spool stores accepted messages on disk: the body with a
// Received header prepended as <id>.eml and the envelope, MessagePack
// encoded, as <id>.env.
package spool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/synqronlabs/wren"
	"github.com/synqronlabs/wren/metrics"
)

var (
	ErrNoEnvelope = errors.New("spool: session has no envelope")
	ErrNotFound   = errors.New("spool: message not found")
)

const (
	bodyExt     = ".eml"
	envelopeExt = ".env"
)

// Spool is a directory of messages. It is safe for concurrent use:
// every message gets its own files, named by envelope ID.
type Spool struct {
	dir      string
	hostname string
	logger   *slog.Logger
}

// New creates dir if needed and returns a Spool writing into it.
func New(dir, hostname string, logger *slog.Logger) (*Spool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	return &Spool{dir: dir, hostname: hostname, logger: logger.With(slog.String("spool", dir))}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

// Store writes the message of the transaction described by info. The
// body is read to EOF; a read error aborts the store and leaves nothing
// behind. It returns the envelope ID and the number of bytes written.
func (s *Spool) Store(info *wren.SessionInfo, body io.Reader) (string, int64, error) {
	env := info.Envelope
	if env == nil {
		return "", 0, ErrNoEnvelope
	}

	bodyPath := filepath.Join(s.dir, env.ID+bodyExt)
	n, err := writeAtomic(bodyPath, func(w io.Writer) error {
		if _, err := io.WriteString(w, wren.ReceivedHeader(info, s.hostname, time.Now())); err != nil {
			return err
		}
		_, err := io.Copy(w, body)
		return err
	})
	if err != nil {
		metrics.SpoolInc("error")
		return "", 0, fmt.Errorf("spool: writing body: %w", err)
	}

	b, err := env.MarshalMsg(nil)
	if err == nil {
		_, err = writeAtomic(filepath.Join(s.dir, env.ID+envelopeExt), func(w io.Writer) error {
			_, err := w.Write(b)
			return err
		})
	}
	if err != nil {
		_ = os.Remove(bodyPath)
		metrics.SpoolInc("error")
		return "", 0, fmt.Errorf("spool: writing envelope: %w", err)
	}

	metrics.SpoolInc("ok")
	s.logger.Debug("message spooled", slog.String("id", env.ID), slog.Int64("size", n))
	return env.ID, n, nil
}

// Envelope reads the envelope stored for id.
func (s *Spool) Envelope(id string) (*wren.Envelope, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, id+envelopeExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	env := &wren.Envelope{}
	if _, err := env.UnmarshalMsg(b); err != nil {
		return nil, fmt.Errorf("spool: decoding envelope %s: %w", id, err)
	}
	return env, nil
}

// Open returns the stored message for id, Received header included.
func (s *Spool) Open(id string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.dir, id+bodyExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	return f, nil
}

// List returns the IDs of complete messages, oldest first.
func (s *Spool) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, envelopeExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, envelopeExt))
	}
	// IDs are ULIDs: lexical order is creation order.
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes both files of id.
func (s *Spool) Remove(id string) error {
	err := errors.Join(
		os.Remove(filepath.Join(s.dir, id+envelopeExt)),
		os.Remove(filepath.Join(s.dir, id+bodyExt)),
	)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// writeAtomic writes through fn into a temporary file and renames it to
// path once complete.
func writeAtomic(path string, fn func(w io.Writer) error) (int64, error) {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return 0, err
	}
	tmp := f.Name()
	cw := &countingWriter{w: bufio.NewWriter(f)}
	err = fn(cw)
	if err == nil {
		err = cw.w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
