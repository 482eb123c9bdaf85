package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fnscraper/internal/publisher"
)

type fakeConn struct {
	msgs    []*nats.Msg
	flushes int
	drained bool
	err     error
}

func (c *fakeConn) PublishMsg(m *nats.Msg) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *fakeConn) FlushWithContext(context.Context) error {
	c.flushes++
	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

func TestSubject(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "scrapes.bills", Subject("scrapes", "bills"))
	assert.Equal(t, "scrapes.bills", Subject("scrapes.", "bills"))
	assert.Equal(t, "bills", Subject("", "bills"))
	assert.Equal(t, "scrapes", Subject("scrapes", ""))
}

func TestSendSetsHeaders(t *testing.T) {
	t.Parallel()
	fc := &fakeConn{}
	tr := newTransport(fc, "")

	err := tr.Send(context.Background(), publisher.Message{
		Exchange:        "scrapes",
		RoutingKey:      "events",
		Body:            []byte(`{"a":1}`),
		MessageID:       "m1",
		Timestamp:       time.Unix(1700000000, 0),
		ContentType:     publisher.ContentType,
		ContentEncoding: publisher.ContentEncoding,
		Headers:         map[string]string{"X-Fn-Request-Context": `{"scraper":"s"}`},
	})
	require.NoError(t, err)
	require.Len(t, fc.msgs, 1)
	m := fc.msgs[0]
	assert.Equal(t, "scrapes.events", m.Subject)
	assert.Equal(t, `{"a":1}`, string(m.Data))
	assert.Equal(t, "m1", m.Header.Get(HeaderMessageID))
	assert.Equal(t, "1700000000", m.Header.Get(HeaderTimestamp))
	assert.Equal(t, "application/json", m.Header.Get(HeaderContentType))
	assert.Equal(t, `{"scraper":"s"}`, m.Header.Get("X-Fn-Request-Context"))

	require.NoError(t, tr.Flush(context.Background()))
	assert.Equal(t, 1, fc.flushes)
	require.NoError(t, tr.Close())
	assert.True(t, fc.drained)
	assert.True(t, errors.Is(tr.Send(context.Background(), publisher.Message{RoutingKey: "x"}), publisher.ErrClosed))
}

func TestSendPrefixOverridesExchange(t *testing.T) {
	t.Parallel()
	fc := &fakeConn{}
	tr := newTransport(fc, "fn")
	require.NoError(t, tr.Send(context.Background(), publisher.Message{Exchange: "scrapes", RoutingKey: "bills"}))
	assert.Equal(t, "fn.bills", fc.msgs[0].Subject)
}

func TestSendErrors(t *testing.T) {
	t.Parallel()
	tr := newTransport(&fakeConn{err: nats.ErrConnectionClosed}, "")
	err := tr.Send(context.Background(), publisher.Message{RoutingKey: "bills"})
	assert.True(t, errors.Is(err, nats.ErrConnectionClosed))

	require.Error(t, newTransport(&fakeConn{}, "").Send(context.Background(), publisher.Message{}))
}

func TestCarrier(t *testing.T) {
	t.Parallel()
	m := &nats.Msg{}
	c := (*natsHeaderCarrier)(m)
	assert.Empty(t, c.Get("traceparent"))
	assert.Nil(t, c.Keys())
	c.Set("traceparent", "00-abc")
	assert.Equal(t, "00-abc", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}
