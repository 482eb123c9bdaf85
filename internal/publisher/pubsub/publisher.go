// Package pubsub implements a Google Cloud Pub/Sub transport.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/fnscraper/internal/publisher"
)

// Attribute keys carrying AMQP-style message properties.
const (
	AttrRoutingKey      = "routing_key"
	AttrMessageID       = "message_id"
	AttrTimestamp       = "timestamp"
	AttrContentType     = "content_type"
	AttrContentEncoding = "content_encoding"
)

type result interface {
	Get(ctx context.Context) (string, error)
}

type topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) result
	Stop()
}

type topicAdapter struct{ t *pubsub.Topic }

func (a topicAdapter) Publish(ctx context.Context, msg *pubsub.Message) result {
	return a.t.Publish(ctx, msg)
}

func (a topicAdapter) Stop() { a.t.Stop() }

// Transport publishes each message to the topic named by its Exchange, or to
// a fixed topic when one is configured.
type Transport struct {
	client *pubsub.Client
	topic  string
	open   func(id string) topic

	mu      sync.Mutex
	topics  map[string]topic
	pending []result
	closed  bool
}

var _ publisher.Transport = (*Transport)(nil)

// New creates a Transport for project. topicID may be empty.
func New(ctx context.Context, project, topicID string) (*Transport, error) {
	if project == "" {
		return nil, fmt.Errorf("publisher.gcp_project is required for the pubsub publisher")
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	t := newTransport(topicID, func(id string) topic { return topicAdapter{t: client.Topic(id)} })
	t.client = client
	return t, nil
}

func newTransport(topicID string, open func(string) topic) *Transport {
	return &Transport{topic: topicID, open: open, topics: make(map[string]topic)}
}

// Name implements publisher.Transport.
func (t *Transport) Name() string { return "pubsub" }

// Send starts an asynchronous publish. Errors surface on Flush.
func (t *Transport) Send(ctx context.Context, msg publisher.Message) error {
	id := t.topic
	if id == "" {
		id = msg.Exchange
	}
	if id == "" {
		return errors.New("pubsub topic is not configured")
	}

	m := &pubsub.Message{Data: msg.Body, Attributes: attributes(msg)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: m.Attributes})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return publisher.ErrClosed
	}
	tp, ok := t.topics[id]
	if !ok {
		tp = t.open(id)
		t.topics[id] = tp
	}
	t.pending = append(t.pending, tp.Publish(ctx, m))
	return nil
}

// Flush waits for every outstanding publish.
func (t *Transport) Flush(ctx context.Context) error {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	var errs []error
	for _, r := range pending {
		if _, err := r.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d messages failed: %w", len(errs), len(pending), errors.Join(errs...))
	}
	return nil
}

// Close stops every topic and the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, tp := range t.topics {
		tp.Stop()
	}
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

func attributes(msg publisher.Message) map[string]string {
	attrs := make(map[string]string, len(msg.Headers)+5)
	for k, v := range msg.Headers {
		attrs[k] = v
	}
	attrs[AttrRoutingKey] = msg.RoutingKey
	attrs[AttrMessageID] = msg.MessageID
	attrs[AttrTimestamp] = strconv.FormatInt(msg.Timestamp.Unix(), 10)
	attrs[AttrContentType] = msg.ContentType
	attrs[AttrContentEncoding] = msg.ContentEncoding
	return attrs
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
