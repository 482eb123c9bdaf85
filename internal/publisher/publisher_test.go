package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fnscraper/internal/publisher"
	"github.com/JakeFAU/fnscraper/internal/publisher/file"
	"github.com/JakeFAU/fnscraper/internal/publisher/memory"
	"github.com/JakeFAU/fnscraper/internal/record"
	"github.com/JakeFAU/fnscraper/internal/telemetry"
)

type bill struct {
	Title      string             `json:"title"`
	Introduced record.Date        `json:"introduced"`
	Sponsors   record.Set[string] `json:"sponsors"`
}

var session = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newPublisher(t *testing.T, tr publisher.Transport, opts ...publisher.Option) *publisher.Publisher {
	t.Helper()
	opts = append(opts, publisher.WithClock(func() time.Time { return session.Add(90 * time.Second) }))
	return publisher.New(tr, publisher.Config{
		Exchange:     "scrapes",
		RoutingKey:   "bills",
		Source:       "us_federal_register",
		ProcessID:    "0190c7a4-0000-7000-8000-000000000001",
		SessionStart: session,
	}, nil, opts...)
}

func TestPublishBuildsEnvelopeAndProperties(t *testing.T) {
	t.Parallel()
	tr := memory.New()
	p := newPublisher(t, tr)
	ctx := telemetry.WithRunIdentity(context.Background(), telemetry.RunIdentity{Scraper: "us_federal_register", ProcessID: "p1"})

	id, err := p.Publish(ctx, bill{Title: "HB 1", Introduced: record.NewDate(session), Sponsors: record.NewSet("b", "a")})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	msgs := tr.Messages()
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, id, m.MessageID)
	assert.Equal(t, "scrapes", m.Exchange)
	assert.Equal(t, "bills", m.RoutingKey)
	assert.True(t, m.Persistent)
	assert.Equal(t, "application/json", m.ContentType)
	assert.Equal(t, "utf-8", m.ContentEncoding)
	assert.Equal(t, session.Add(90*time.Second), m.Timestamp)

	assert.JSONEq(t, `{
		"document": {"title": "HB 1", "introduced": "2024-03-01", "sponsors": ["a", "b"]},
		"process_id": "0190c7a4-0000-7000-8000-000000000001",
		"session_start_time": "2024-03-01T12:00:00Z",
		"source": "us_federal_register"
	}`, string(m.Body))

	header := m.Headers[telemetry.HeaderName]
	require.NotEmpty(t, header)
	restored, err := telemetry.ExtractRequestContext(context.Background(), header)
	require.NoError(t, err)
	rid, ok := telemetry.RunIdentityFrom(restored)
	require.True(t, ok)
	assert.Equal(t, "us_federal_register", rid.Scraper)
}

func TestPublishToOverridesRoutingKey(t *testing.T) {
	t.Parallel()
	tr := memory.New()
	p := newPublisher(t, tr)

	_, err := p.PublishTo(context.Background(), "events", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "events", tr.Messages()[0].RoutingKey)
}

func TestMessageIDsAreUnique(t *testing.T) {
	t.Parallel()
	p := newPublisher(t, memory.New())
	a, err := p.Publish(context.Background(), 1)
	require.NoError(t, err)
	b, err := p.Publish(context.Background(), 1)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMirrorWritesFrames(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dry-run.frames")
	sink, err := file.Open(path)
	require.NoError(t, err)
	tr := memory.New()
	p := newPublisher(t, tr, publisher.WithMirror(sink))

	_, err = p.Publish(context.Background(), bill{Title: "<b>&</b>"})
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))

	frames, err := file.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, tr.Messages()[0].Body, frames[0])
	assert.Contains(t, string(frames[0]), `"<b>&</b>"`)

	var env publisher.Envelope
	require.NoError(t, json.Unmarshal(frames[0], &env))
	assert.Equal(t, "us_federal_register", env.Source)
	assert.Equal(t, session, env.SessionStartTime)
}

func TestCloseFlushesAndRejectsLaterPublishes(t *testing.T) {
	t.Parallel()
	tr := memory.New()
	p := newPublisher(t, tr)
	_, err := p.Publish(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, tr.Pending())

	require.NoError(t, p.Close(context.Background()))
	assert.Zero(t, tr.Pending())
	assert.True(t, tr.Closed())
	require.NoError(t, p.Close(context.Background()))

	_, err = p.Publish(context.Background(), 2)
	assert.True(t, errors.Is(err, publisher.ErrClosed))
}

func TestTransportErrorsSurface(t *testing.T) {
	t.Parallel()
	tr := memory.New()
	tr.Fail = errors.New("broker down")
	p := newPublisher(t, tr)

	_, err := p.Publish(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	a, err := publisher.Fingerprint(bill{Title: "x", Sponsors: record.NewSet("b", "a")})
	require.NoError(t, err)
	b, err := publisher.Fingerprint(bill{Title: "x", Sponsors: record.NewSet("a", "b")})
	require.NoError(t, err)
	c, err := publisher.Fingerprint(bill{Title: "y"})
	require.NoError(t, err)

	assert.Len(t, a, 96)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
