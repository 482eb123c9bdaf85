// Package publisher emits scraped records to a message bus. Transports live in
// the subpackages (amqp, pubsub, nats, file, memory).
package publisher

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/id/uuid"
	"github.com/JakeFAU/fnscraper/internal/metrics"
	"github.com/JakeFAU/fnscraper/internal/record"
	"github.com/JakeFAU/fnscraper/internal/telemetry"
)

// Message property values.
const (
	ContentType     = "application/json"
	ContentEncoding = "utf-8"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher closed")

// Envelope wraps every published document.
type Envelope struct {
	Document         any       `json:"document"`
	ProcessID        string    `json:"process_id"`
	SessionStartTime time.Time `json:"session_start_time"`
	Source           string    `json:"source"`
}

// Message is a serialized envelope plus its properties.
type Message struct {
	// Exchange is the AMQP exchange, Pub/Sub topic or NATS subject prefix.
	Exchange   string
	RoutingKey string
	Body       []byte

	MessageID       string
	Timestamp       time.Time
	ContentType     string
	ContentEncoding string
	Persistent      bool
	Headers         map[string]string
}

// Transport delivers messages to one backend.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
	// Flush blocks until every sent message is acknowledged.
	Flush(ctx context.Context) error
	Close() error
}

// Config describes where records go and who produced them.
type Config struct {
	Exchange     string
	RoutingKey   string
	Source       string
	ProcessID    string
	SessionStart time.Time
}

// Publisher is safe for concurrent use and shared by every worker of a scrape.
type Publisher struct {
	transport Transport
	mirror    Transport
	cfg       Config
	ids       *uuid.Source
	now       func() time.Time
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithMirror also writes every message to t, typically a local file sink.
func WithMirror(t Transport) Option {
	return func(p *Publisher) { p.mirror = t }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// New creates a Publisher over transport.
func New(transport Transport, cfg Config, logger *zap.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		transport: transport,
		cfg:       cfg,
		ids:       uuid.NewSource(),
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends document with the configured routing key and returns the message id.
func (p *Publisher) Publish(ctx context.Context, document any) (string, error) {
	return p.PublishTo(ctx, p.cfg.RoutingKey, document)
}

// PublishTo sends document with an explicit routing key.
func (p *Publisher) PublishTo(ctx context.Context, routingKey string, document any) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return "", ErrClosed
	}

	msg, err := p.build(ctx, routingKey, document)
	if err != nil {
		return "", err
	}
	if fp, err := fingerprintBytes(document); err == nil {
		p.logger.Debug("publishing record",
			zap.String("message_id", msg.MessageID),
			zap.String("routing_key", routingKey),
			zap.String("fingerprint", fp),
		)
	}

	if p.mirror != nil {
		if err := p.mirror.Send(ctx, msg); err != nil {
			metrics.ObservePublish(p.mirror.Name(), "error")
			return "", fmt.Errorf("mirror to %s: %w", p.mirror.Name(), err)
		}
		metrics.ObservePublish(p.mirror.Name(), "ok")
	}
	if err := p.transport.Send(ctx, msg); err != nil {
		metrics.ObservePublish(p.transport.Name(), "error")
		return "", fmt.Errorf("publish to %s: %w", p.transport.Name(), err)
	}
	metrics.ObservePublish(p.transport.Name(), "ok")
	return msg.MessageID, nil
}

func (p *Publisher) build(ctx context.Context, routingKey string, document any) (Message, error) {
	body, err := record.Marshal(Envelope{
		Document:         document,
		ProcessID:        p.cfg.ProcessID,
		SessionStartTime: p.cfg.SessionStart.UTC(),
		Source:           p.cfg.Source,
	})
	if err != nil {
		return Message{}, fmt.Errorf("encode envelope: %w", err)
	}
	id, err := p.ids.MessageID()
	if err != nil {
		return Message{}, err
	}
	reqCtx, err := telemetry.RequestContext(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Exchange:        p.cfg.Exchange,
		RoutingKey:      routingKey,
		Body:            body,
		MessageID:       id,
		Timestamp:       p.now().UTC().Truncate(time.Second),
		ContentType:     ContentType,
		ContentEncoding: ContentEncoding,
		Persistent:      true,
		Headers:         map[string]string{telemetry.HeaderName: reqCtx},
	}, nil
}

// Flush blocks until the transport has acknowledged everything sent so far.
func (p *Publisher) Flush(ctx context.Context) error {
	if p.mirror != nil {
		if err := p.mirror.Flush(ctx); err != nil {
			return fmt.Errorf("flush %s: %w", p.mirror.Name(), err)
		}
	}
	if err := p.transport.Flush(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", p.transport.Name(), err)
	}
	return nil
}

// Close flushes and closes the transports. Later calls are no-ops.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	flushErr := p.Flush(ctx)
	var closeErr error
	if p.mirror != nil {
		closeErr = p.mirror.Close()
	}
	return errors.Join(flushErr, closeErr, p.transport.Close())
}

// Fingerprint is the hex SHA-384 of document's canonical JSON.
func Fingerprint(document any) (string, error) {
	return fingerprintBytes(document)
}

func fingerprintBytes(document any) (string, error) {
	b, err := record.Marshal(document)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	sum := sha512.Sum384(b)
	return hex.EncodeToString(sum[:]), nil
}
