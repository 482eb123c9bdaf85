// Package memory contains an in-memory transport for tests and dry runs.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/fnscraper/internal/publisher"
)

// Transport stores sent messages for inspection.
type Transport struct {
	mu       sync.RWMutex
	messages []publisher.Message
	pending  int
	flushes  int
	closed   bool

	// Fail, when set, is returned by Send.
	Fail error
}

var _ publisher.Transport = (*Transport)(nil)

// New returns a memory Transport.
func New() *Transport {
	return &Transport{}
}

// Name implements publisher.Transport.
func (t *Transport) Name() string { return "memory" }

// Send records the message.
func (t *Transport) Send(_ context.Context, msg publisher.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return publisher.ErrClosed
	}
	if t.Fail != nil {
		return t.Fail
	}
	t.messages = append(t.messages, msg)
	t.pending++
	return nil
}

// Flush acknowledges everything sent so far.
func (t *Transport) Flush(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = 0
	t.flushes++
	return nil
}

// Close marks the transport closed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("memory transport already closed")
	}
	t.closed = true
	return nil
}

// Messages returns the recorded messages.
func (t *Transport) Messages() []publisher.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]publisher.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Pending counts messages sent since the last Flush.
func (t *Transport) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pending
}

// Closed reports whether Close ran.
func (t *Transport) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}
