// Package nats publishes messages to NATS subjects with the message
// properties carried as headers.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/publisher"
)

// Header names for message properties.
const (
	HeaderMessageID       = "Nats-Msg-Id"
	HeaderTimestamp       = "Fn-Timestamp"
	HeaderContentType     = "Content-Type"
	HeaderContentEncoding = "Content-Encoding"
)

type conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// Config controls the connection.
type Config struct {
	URL string
	// SubjectPrefix is prepended to the routing key; it defaults to the
	// message Exchange.
	SubjectPrefix       string
	ConnectMaxElapsed   time.Duration
	ConnectInitialDelay time.Duration
}

// Transport is safe for concurrent use.
type Transport struct {
	nc     conn
	prefix string

	mu     sync.Mutex
	closed bool
}

var _ publisher.Transport = (*Transport)(nil)

// Connect dials NATS, retrying with exponential backoff until
// ConnectMaxElapsed. The client reconnects on its own afterwards.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required for the nats publisher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConnectMaxElapsed <= 0 {
		cfg.ConnectMaxElapsed = time.Minute
	}
	if cfg.ConnectInitialDelay <= 0 {
		cfg.ConnectInitialDelay = 500 * time.Millisecond
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(cfg.ConnectInitialDelay),
		backoff.WithMaxElapsedTime(cfg.ConnectMaxElapsed),
	)
	var nc *nats.Conn
	err := backoff.RetryNotify(func() error {
		var err error
		nc, err = nats.Connect(cfg.URL,
			nats.Name("fnscraper"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			}),
		)
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn("nats connect failed; retrying", zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return newTransport(nc, cfg.SubjectPrefix), nil
}

func newTransport(nc conn, prefix string) *Transport {
	return &Transport{nc: nc, prefix: prefix}
}

// Name implements publisher.Transport.
func (t *Transport) Name() string { return "nats" }

// Subject joins prefix and routing key with a dot.
func Subject(prefix, routingKey string) string {
	switch {
	case prefix == "":
		return routingKey
	case routingKey == "":
		return prefix
	default:
		return strings.TrimSuffix(prefix, ".") + "." + routingKey
	}
}

// Send publishes msg.
func (t *Transport) Send(ctx context.Context, msg publisher.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return publisher.ErrClosed
	}
	prefix := t.prefix
	if prefix == "" {
		prefix = msg.Exchange
	}
	subject := Subject(prefix, msg.RoutingKey)
	if subject == "" {
		return errors.New("nats subject is empty")
	}

	m := nats.NewMsg(subject)
	m.Data = msg.Body
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	m.Header.Set(HeaderMessageID, msg.MessageID)
	m.Header.Set(HeaderTimestamp, strconv.FormatInt(msg.Timestamp.Unix(), 10))
	m.Header.Set(HeaderContentType, msg.ContentType)
	m.Header.Set(HeaderContentEncoding, msg.ContentEncoding)
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(m))

	if err := t.nc.PublishMsg(m); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Flush round-trips to the server so every prior publish has been received.
func (t *Transport) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.nc.FlushWithContext(ctx)
}

// Close drains the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.nc.Drain()
}

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}
