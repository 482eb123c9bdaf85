package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/JakeFAU/fnscraper/internal/publisher"
)

type fakeResult struct{ err error }

func (r fakeResult) Get(context.Context) (string, error) { return "server-id", r.err }

type fakeTopic struct {
	mu      sync.Mutex
	id      string
	msgs    []*pubsub.Message
	fail    error
	stopped bool
}

func (f *fakeTopic) Publish(_ context.Context, msg *pubsub.Message) result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return fakeResult{err: f.fail}
}

func (f *fakeTopic) Stop() { f.stopped = true }

func newFake(topicID string) (*Transport, map[string]*fakeTopic) {
	topics := make(map[string]*fakeTopic)
	tr := newTransport(topicID, func(id string) topic {
		ft := &fakeTopic{id: id}
		topics[id] = ft
		return ft
	})
	return tr, topics
}

func TestSendUsesExchangeAsTopic(t *testing.T) {
	t.Parallel()
	tr, topics := newFake("")

	msg := publisher.Message{
		Exchange:        "scrapes",
		RoutingKey:      "bills",
		Body:            []byte(`{}`),
		MessageID:       "m1",
		Timestamp:       time.Unix(1700000000, 0),
		ContentType:     publisher.ContentType,
		ContentEncoding: publisher.ContentEncoding,
		Headers:         map[string]string{"X-Fn-Request-Context": "{}"},
	}
	require.NoError(t, tr.Send(context.Background(), msg))
	require.NoError(t, tr.Flush(context.Background()))

	require.Contains(t, topics, "scrapes")
	got := topics["scrapes"].msgs
	require.Len(t, got, 1)
	assert.Equal(t, []byte(`{}`), got[0].Data)
	assert.Equal(t, "bills", got[0].Attributes[AttrRoutingKey])
	assert.Equal(t, "m1", got[0].Attributes[AttrMessageID])
	assert.Equal(t, "1700000000", got[0].Attributes[AttrTimestamp])
	assert.Equal(t, "application/json", got[0].Attributes[AttrContentType])
	assert.Equal(t, "{}", got[0].Attributes["X-Fn-Request-Context"])

	require.NoError(t, tr.Close())
	assert.True(t, topics["scrapes"].stopped)
	assert.True(t, errors.Is(tr.Send(context.Background(), msg), publisher.ErrClosed))
}

func TestFixedTopicAndFlushErrors(t *testing.T) {
	t.Parallel()
	tr, topics := newFake("fixed")

	require.NoError(t, tr.Send(context.Background(), publisher.Message{Exchange: "ignored", MessageID: "a"}))
	topics["fixed"].fail = errors.New("quota")
	require.NoError(t, tr.Send(context.Background(), publisher.Message{MessageID: "b"}))

	err := tr.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.NotContains(t, topics, "ignored")
	require.NoError(t, tr.Flush(context.Background()))
}

func TestSendRequiresTopic(t *testing.T) {
	t.Parallel()
	tr, _ := newFake("")
	require.Error(t, tr.Send(context.Background(), publisher.Message{}))
}

func TestSendInjectsTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	tr, topics := newFake("t")
	require.NoError(t, tr.Send(ctx, publisher.Message{MessageID: "m"}))
	assert.NotEmpty(t, topics["t"].msgs[0].Attributes["traceparent"])
}
