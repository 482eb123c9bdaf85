package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fnscraper/internal/clock/fake"
	"github.com/JakeFAU/fnscraper/internal/schedule"
	"github.com/JakeFAU/fnscraper/internal/scheduler"
	"github.com/JakeFAU/fnscraper/internal/storage/memory"
	"github.com/JakeFAU/fnscraper/internal/store"
)

var now = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

type fakeRunning []scheduler.RunningInfo

func (f fakeRunning) Running() []scheduler.RunningInfo { return f }

type brokenStore struct {
	*memory.ScheduleStore
}

func (brokenStore) List(context.Context) ([]schedule.Schedule, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	server    *Server
	schedules *memory.ScheduleStore
	runs      *memory.RunStore
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{schedules: memory.NewScheduleStore(), runs: memory.NewRunStore()}
	lastGood := now.Add(-30 * time.Minute)
	f.schedules.Put(schedule.Schedule{
		Name:             "us_federal_register",
		Timezone:         "UTC",
		SchedulingPeriod: time.Hour,
		CooldownDuration: 15 * time.Minute,
		LastEndAt:        &lastGood,
		LastGoodEndAt:    &lastGood,
	})
	f.schedules.Put(schedule.Schedule{
		Name:                    "uk_parliament_bills",
		Timezone:                "Europe/London",
		CronSchedule:            "0 6 * * *",
		CronMaxScheduleDuration: time.Hour,
	})
	running := fakeRunning{{Scraper: "uk_parliament_bills", PID: 4242, StartedAt: now.Add(-time.Minute)}}
	f.server = NewServer(f.schedules, f.runs, running, fake.New(now), cfg, nil)
	return f
}

func (f *fixture) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	broken := NewServer(brokenStore{memory.NewScheduleStore()}, nil, nil, fake.New(now), Config{}, nil)
	rec = httptest.NewRecorder()
	broken.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListSchedulesDescribesEachRow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{ProcessStart: now.Add(-time.Hour)})

	rec := f.do(t, http.MethodGet, "/v1/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Schedules []scheduleDTO `json:"schedules"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Schedules, 2)

	assert.Equal(t, "uk_parliament_bills", body.Schedules[0].Name)
	assert.Equal(t, "0 6 * * *", body.Schedules[0].CronSchedule)
	assert.Equal(t, "1h0m0s", body.Schedules[0].CronMaxDuration)

	fr := body.Schedules[1]
	assert.Equal(t, "us_federal_register", fr.Name)
	assert.Equal(t, "1h0m0s", fr.SchedulingPeriod)
	assert.Equal(t, "blocked until 2024-05-01T11:00:00Z", fr.Status)
	assert.False(t, fr.LastRunFailed)
}

func TestListSchedulesHonorsOwnership(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Owns: func(name string) bool { return strings.HasPrefix(name, "uk_") }})

	var body struct {
		Schedules []scheduleDTO `json:"schedules"`
	}
	decode(t, f.do(t, http.MethodGet, "/v1/schedules", nil), &body)
	require.Len(t, body.Schedules, 1)
	assert.Equal(t, "uk_parliament_bills", body.Schedules[0].Name)
}

func TestGetSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodGet, "/v1/schedules/us_federal_register", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Schedule scheduleDTO `json:"schedule"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "15m0s", body.Schedule.Cooldown)

	rec = f.do(t, http.MethodGet, "/v1/schedules/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunNowAndKillSetFlags(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/v1/schedules/us_federal_register/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/schedules/uk_parliament_bills/kill", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	fr, err := f.schedules.Get(ctx, "us_federal_register")
	require.NoError(t, err)
	require.NotNil(t, fr.RunImmediately)
	assert.True(t, fr.RunImmediately.Equal(now))

	uk, err := f.schedules.Get(ctx, "uk_parliament_bills")
	require.NoError(t, err)
	assert.True(t, uk.KillImmediately)

	rec = f.do(t, http.MethodPost, "/v1/schedules/nope/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	var body struct {
		Running []scheduler.RunningInfo `json:"running"`
	}
	decode(t, f.do(t, http.MethodGet, "/v1/running", nil), &body)
	require.Len(t, body.Running, 1)
	assert.Equal(t, 4242, body.Running[0].PID)
}

func TestRunHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, second := uuid.New(), uuid.New()
	require.NoError(t, f.runs.RecordStart(ctx, store.Run{ID: first, Scraper: "us_federal_register", StartedAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, f.runs.RecordStart(ctx, store.Run{ID: second, Scraper: "us_federal_register", StartedAt: now.Add(-time.Hour)}))
	require.NoError(t, f.runs.RecordItems(ctx, first, store.ItemCounts{Total: 4, Succeeded: 3, Failed: 1}))
	require.NoError(t, f.runs.RecordFinish(ctx, first, now.Add(-90*time.Minute), store.RunSuccess, 0, nil))

	rec := f.do(t, http.MethodGet, "/v1/runs?scraper=us_federal_register&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []runDTO `json:"runs"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Runs, 2)
	assert.Equal(t, second.String(), list.Runs[0].ID)

	rec = f.do(t, http.MethodGet, "/v1/runs/"+first.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var one struct {
		Run runDTO `json:"run"`
	}
	decode(t, rec, &one)
	assert.Equal(t, "success", one.Run.Status)
	assert.Equal(t, int64(3), one.Run.Items.Succeeded)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/runs?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/runs/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/runs/"+uuid.NewString(), nil).Code)
}

func TestRunHistoryUnavailable(t *testing.T) {
	t.Parallel()
	srv := NewServer(memory.NewScheduleStore(), nil, nil, fake.New(now), Config{}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyGuardsV1Only(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{APIKey: "secret"})

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/v1/schedules", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/schedules", http.Header{"X-Api-Key": {"secret"}}).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/schedules?api_key=secret", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	server net.Conn
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return h.server, bufio.NewReadWriter(bufio.NewReader(h.server), bufio.NewWriter(h.server)), nil
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.Error(t, err)

	server, client := net.Pipe()
	defer func() { _ = client.Close() }()
	rw = &responseWriter{ResponseWriter: &hijackableRecorder{ResponseRecorder: httptest.NewRecorder(), server: server, client: client}}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
}
