// Package httpclient is the shared outbound HTTP client handed to every
// scraper: pooled transport, per-host rate limiting, and retries on 5xx and
// transport errors.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/metrics"
	"github.com/JakeFAU/fnscraper/internal/policy/ratelimit"
	"github.com/JakeFAU/fnscraper/internal/retry"
	"github.com/JakeFAU/fnscraper/internal/telemetry"
)

// DefaultUserAgent identifies fnscraper to the sites it visits.
const DefaultUserAgent = "fnscraper/1.0 (+https://github.com/JakeFAU/fnscraper)"

// Config controls the client.
type Config struct {
	Timeout             time.Duration
	MaxAttempts         int
	UserAgent           string
	MaxIdleConnsPerHost int
	MaxBodyBytes        int64
	RetryBase           time.Duration
	RetryMax            time.Duration
	// Transport replaces the pooled transport (primarily for testing).
	Transport http.RoundTripper
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 8
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 512 << 20
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	return c
}

// Request describes one outbound call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Timeout overrides Config.Timeout for this call.
	Timeout time.Duration
}

// Response is a fully read response.
type Response struct {
	// URL is the final URL after redirects.
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Method     string
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client is safe for concurrent use and meant to be shared process-wide.
type Client struct {
	http    *http.Client
	cfg     Config
	limiter ratelimit.Waiter
	policy  retry.Policy
	logger  *zap.Logger
}

// New builds a Client. limiter may be nil.
func New(cfg Config, limiter ratelimit.Waiter, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport(cfg.MaxIdleConnsPerHost)
	}
	return &Client{
		http:    &http.Client{Transport: transport},
		cfg:     cfg,
		limiter: limiter,
		policy: retry.All(
			retry.MaxAttempts(cfg.MaxAttempts),
			retry.Only(Retryable),
			retry.Exponential(cfg.RetryBase, cfg.RetryMax, 2),
		),
		logger: logger,
	}
}

// Retryable reports whether err is a 5xx/429 status or a transport failure.
func Retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return retry.IsNetworkError(err)
}

// Request performs req with retries. A non-2xx final status returns both the
// response and a *StatusError.
func (c *Client) Request(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid request url %q", req.URL)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "http "+req.Method)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.url", req.URL),
	)

	var (
		resp     *Response
		attempts int
	)
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			metrics.ObserveFetchRetry(req.URL)
		}
		var attemptErr error
		resp, attemptErr = c.once(ctx, req)
		if attemptErr != nil {
			c.logger.Debug("request attempt failed",
				zap.String("url", req.URL),
				zap.Int("attempt", attempts),
				zap.Error(attemptErr),
			)
		}
		return attemptErr
	})
	if resp != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	return resp, nil
}

func (c *Client) once(ctx context.Context, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, req.URL); err != nil {
			return nil, retry.Permanent(err)
		}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ObserveFetch(req.URL, 0)
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer func() {
		if cerr := httpResp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close response body", zap.Error(cerr))
		}
	}()
	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		metrics.ObserveFetch(req.URL, 0)
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	if int64(len(data)) > c.cfg.MaxBodyBytes {
		return nil, retry.Permanent(fmt.Errorf("response from %s exceeds %d bytes", req.URL, c.cfg.MaxBodyBytes))
	}
	metrics.ObserveFetch(req.URL, httpResp.StatusCode)

	resp := &Response{
		URL:        httpResp.Request.URL.String(),
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       data,
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return resp, &StatusError{Method: req.Method, StatusCode: httpResp.StatusCode, URL: req.URL}
	}
	return resp, nil
}

// Get is Request with GET and no body.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.Request(ctx, Request{Method: http.MethodGet, URL: rawURL})
}

func newHTTPTransport(maxIdlePerHost int) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		IdleConnTimeout:       90 * time.Second,
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}
