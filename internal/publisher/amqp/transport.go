// Package amqp publishes to RabbitMQ with publisher confirms. Sends are
// batched; Flush waits for every confirm and republishes anything the broker
// nacked or lost on a dropped connection.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/publisher"
)

// Config controls the broker connection.
type Config struct {
	URL string
	// DeclareExchange declares Exchange as a durable topic exchange on connect.
	DeclareExchange string
	// BatchSize is how many unconfirmed messages trigger an implicit Flush.
	BatchSize      int
	ConfirmTimeout time.Duration
	// ReconnectInitial and ReconnectMaxElapsed bound the reconnect backoff.
	ReconnectInitial    time.Duration
	ReconnectMaxElapsed time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 500 * time.Millisecond
	}
	if c.ReconnectMaxElapsed <= 0 {
		c.ReconnectMaxElapsed = 5 * time.Minute
	}
	return c
}

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type session interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	Close() error
}

// Dialer opens a confirm-mode session.
type Dialer func(ctx context.Context) (session, error)

type pending struct {
	msg  publisher.Message
	conf confirmation
}

var errUnconfirmed = errors.New("broker did not confirm every message")

// Transport is safe for concurrent use.
type Transport struct {
	cfg    Config
	dial   Dialer
	logger *zap.Logger

	mu      sync.Mutex
	sess    session
	pending []pending
	closed  bool
}

var _ publisher.Transport = (*Transport)(nil)

// New connects lazily on first Send.
func New(cfg Config, logger *zap.Logger) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("global.amqp_url is required for the amqp publisher")
	}
	cfg = cfg.withDefaults()
	return newTransport(cfg, dialer(cfg), logger), nil
}

func newTransport(cfg Config, dial Dialer, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{cfg: cfg.withDefaults(), dial: dial, logger: logger}
}

// Name implements publisher.Transport.
func (t *Transport) Name() string { return "amqp" }

// Send publishes msg, reconnecting as needed, and flushes once BatchSize
// messages await confirmation.
func (t *Transport) Send(ctx context.Context, msg publisher.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return publisher.ErrClosed
	}
	var conf confirmation
	err := t.retry(ctx, "publish", func() error {
		var err error
		conf, err = t.publishLocked(ctx, msg)
		return err
	})
	if err != nil {
		return err
	}
	t.pending = append(t.pending, pending{msg: msg, conf: conf})
	if len(t.pending) >= t.cfg.BatchSize {
		return t.flushLocked(ctx)
	}
	return nil
}

// Flush waits for every outstanding confirm.
func (t *Transport) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked(ctx)
}

func (t *Transport) flushLocked(ctx context.Context) error {
	if len(t.pending) == 0 {
		return nil
	}
	return t.retry(ctx, "confirm", func() error {
		var unconfirmed []publisher.Message
		for _, p := range t.pending {
			if p.conf == nil || !t.confirmed(ctx, p.conf) {
				unconfirmed = append(unconfirmed, p.msg)
			}
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if len(unconfirmed) == 0 {
			t.pending = nil
			return nil
		}

		t.logger.Warn("republishing unconfirmed messages", zap.Int("count", len(unconfirmed)))
		t.resetLocked()
		next := make([]pending, 0, len(unconfirmed))
		for _, msg := range unconfirmed {
			conf, err := t.publishLocked(ctx, msg)
			next = append(next, pending{msg: msg, conf: conf})
			if err != nil {
				// Keep the rest queued with no confirmation so the next pass resends them.
				for _, rest := range unconfirmed[len(next):] {
					next = append(next, pending{msg: rest})
				}
				t.pending = next
				return err
			}
		}
		t.pending = next
		return errUnconfirmed
	})
}

func (t *Transport) confirmed(ctx context.Context, c confirmation) bool {
	waitCtx, cancel := context.WithTimeout(ctx, t.cfg.ConfirmTimeout)
	defer cancel()
	ok, err := c.WaitContext(waitCtx)
	return err == nil && ok
}

func (t *Transport) publishLocked(ctx context.Context, msg publisher.Message) (confirmation, error) {
	if t.sess == nil {
		sess, err := t.dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect to broker: %w", err)
		}
		t.sess = sess
	}
	conf, err := t.sess.Publish(ctx, msg.Exchange, msg.RoutingKey, toPublishing(msg))
	if err != nil {
		t.resetLocked()
		return nil, fmt.Errorf("publish %s: %w", msg.MessageID, err)
	}
	return conf, nil
}

func (t *Transport) resetLocked() {
	if t.sess != nil {
		_ = t.sess.Close()
		t.sess = nil
	}
}

func (t *Transport) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(t.cfg.ReconnectInitial),
		backoff.WithMaxElapsedTime(t.cfg.ReconnectMaxElapsed),
	)
	return backoff.RetryNotify(fn, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		t.logger.Warn("broker operation failed; retrying",
			zap.String("op", op),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}

// Close drops the connection without flushing.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if n := len(t.pending); n > 0 {
		t.logger.Warn("closing with unconfirmed messages", zap.Int("count", n))
	}
	t.resetLocked()
	return nil
}

func toPublishing(msg publisher.Message) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    mode,
		MessageId:       msg.MessageID,
		Timestamp:       msg.Timestamp,
		Body:            msg.Body,
	}
}

type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func dialer(cfg Config) Dialer {
	return func(context.Context) (session, error) {
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			return nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open channel: %w", err)
		}
		if err := ch.Confirm(false); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("enable confirms: %w", err)
		}
		if cfg.DeclareExchange != "" {
			if err := ch.ExchangeDeclare(cfg.DeclareExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("declare exchange %s: %w", cfg.DeclareExchange, err)
			}
		}
		return &amqpSession{conn: conn, ch: ch}, nil
	}
}

func (s *amqpSession) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("channel is not in confirm mode")
	}
	return dc, nil
}

func (s *amqpSession) Close() error {
	_ = s.ch.Close()
	return s.conn.Close()
}
