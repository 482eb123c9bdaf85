package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWaiter struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (w *countingWaiter) Wait(_ context.Context, rawURL string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.urls = append(w.urls, rawURL)
	return w.err
}

func fastClient(limiter *countingWaiter) *Client {
	cfg := Config{MaxAttempts: 3, RetryBase: time.Millisecond, RetryMax: 2 * time.Millisecond}
	if limiter == nil {
		return New(cfg, nil, nil)
	}
	return New(cfg, limiter, nil)
}

func TestRequestRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	limiter := &countingWaiter{}
	resp, err := fastClient(limiter).Get(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, limiter.urls, 3)
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	resp, err := fastClient(nil).Get(context.Background(), srv.URL)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.False(t, statusErr.Retryable())
	require.NotNil(t, resp)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRequestGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := fastClient(nil).Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRequestSendsMethodHeadersAndBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "custom-agent", r.Header.Get("User-Agent"))
		buf := make([]byte, 5)
		n, _ := r.Body.Read(buf)
		_, _ = w.Write(buf[:n])
	}))
	defer srv.Close()

	resp, err := fastClient(nil).Request(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Header: http.Header{"User-Agent": {"custom-agent"}},
		Body:   []byte("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(resp.Body))
}

func TestRequestRejectsBadURLAndLimiterErrors(t *testing.T) {
	t.Parallel()

	_, err := fastClient(nil).Get(context.Background(), "ftp://example.com/file")
	require.Error(t, err)

	limiter := &countingWaiter{err: errors.New("limiter down")}
	_, err = fastClient(limiter).Get(context.Background(), "https://example.com")
	require.ErrorContains(t, err, "limiter down")
	assert.Len(t, limiter.urls, 1)
}

func TestRequestHTMLResolvesLinks(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Bills</title></head><body><a href="/bills/1">Bill 1</a></body></html>`))
	}))
	defer srv.Close()

	doc, err := fastClient(nil).RequestHTML(context.Background(), Request{URL: srv.URL + "/bills"})
	require.NoError(t, err)
	assert.Equal(t, "Bills", doc.Find("title").Text())

	var links []string
	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs, err := AbsURL(doc, href)
		require.NoError(t, err)
		links = append(links, abs)
	})
	assert.Equal(t, []string{srv.URL + "/bills/1"}, links)
}

func TestRequestXML(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0"?><rss><channel><item><title>Notice A</title></item><item><title>Notice B</title></item></channel></rss>`))
	}))
	defer srv.Close()

	doc, err := fastClient(nil).RequestXML(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	var titles []string
	for _, n := range xmlquery.Find(doc, "//item/title") {
		titles = append(titles, n.InnerText())
	}
	assert.Equal(t, []string{"Notice A", "Notice B"}, titles)
}

func TestRequestJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"count":2}`))
	}))
	defer srv.Close()

	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, fastClient(nil).RequestJSON(context.Background(), Request{URL: srv.URL}, &out))
	assert.Equal(t, 2, out.Count)
}
