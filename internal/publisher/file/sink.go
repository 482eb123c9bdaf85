// Package file appends published messages to a local file as length-prefixed
// frames: a ten digit zero-padded body length, a colon, the body, a newline.
package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/JakeFAU/fnscraper/internal/publisher"
)

const lengthDigits = 10

// Sink is a publisher.Transport backed by an append-only file. Each append
// holds an exclusive advisory lock so several processes can share one file.
type Sink struct {
	path string

	mu     sync.Mutex
	f      *os.File
	closed bool
}

var _ publisher.Transport = (*Sink)(nil)

// Open creates or appends to path.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink %s: %w", path, err)
	}
	return &Sink{path: path, f: f}, nil
}

// Name implements publisher.Transport.
func (s *Sink) Name() string { return "file" }

// Send appends one frame.
func (s *Sink) Send(_ context.Context, msg publisher.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return publisher.ErrClosed
	}
	return s.append(msg.Body)
}

func (s *Sink) append(body []byte) (err error) {
	fd := int(s.f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock sink %s: %w", s.path, err)
	}
	defer func() {
		if uerr := unix.Flock(fd, unix.LOCK_UN); uerr != nil && err == nil {
			err = fmt.Errorf("unlock sink %s: %w", s.path, uerr)
		}
	}()
	if _, err := s.f.Write(Frame(body)); err != nil {
		return fmt.Errorf("write sink %s: %w", s.path, err)
	}
	return nil
}

// Flush syncs the file to disk.
func (s *Sink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.f.Sync()
}

// Close closes the file. Later calls are no-ops.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// Frame renders body in the sink's on-disk format.
func Frame(body []byte) []byte {
	out := make([]byte, 0, len(body)+lengthDigits+2)
	out = fmt.Appendf(out, "%0*d:", lengthDigits, len(body))
	out = append(out, body...)
	return append(out, '\n')
}

// ErrBadFrame reports a malformed frame.
var ErrBadFrame = errors.New("malformed frame")

// ReadFrames returns every body in r, in order.
func ReadFrames(r io.Reader) ([][]byte, error) {
	br := bufio.NewReader(r)
	var out [][]byte
	header := make([]byte, lengthDigits+1)
	for {
		if _, err := io.ReadFull(br, header); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("%w: short header: %v", ErrBadFrame, err)
		}
		if header[lengthDigits] != ':' {
			return out, fmt.Errorf("%w: missing separator", ErrBadFrame)
		}
		n, err := strconv.Atoi(string(header[:lengthDigits]))
		if err != nil || n < 0 {
			return out, fmt.Errorf("%w: bad length %q", ErrBadFrame, header[:lengthDigits])
		}
		// The buffer grows with the bytes actually present, so a corrupt
		// length cannot force a large allocation.
		var body bytes.Buffer
		if _, err := io.CopyN(&body, br, int64(n)+1); err != nil {
			return out, fmt.Errorf("%w: short body: %v", ErrBadFrame, err)
		}
		raw := body.Bytes()
		if raw[n] != '\n' {
			return out, fmt.Errorf("%w: missing newline", ErrBadFrame)
		}
		out = append(out, raw[:n])
	}
}

// ReadFile reads every frame in path.
func ReadFile(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sink %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return ReadFrames(f)
}
