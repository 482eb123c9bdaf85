package docservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/retry"
)

// DefaultRetryFor bounds how long a call keeps retrying transient failures.
const DefaultRetryFor = 30 * time.Minute

// Config controls the HTTP client.
type Config struct {
	BaseURL string
	// Timeout applies to each attempt.
	Timeout   time.Duration
	RetryFor  time.Duration
	RetryBase time.Duration
	RetryMax  time.Duration
	// HTTPClient replaces the default client (primarily for testing).
	HTTPClient *http.Client
}

// Client talks JSON over HTTP to the document service.
type Client struct {
	base   *url.URL
	http   *http.Client
	cfg    Config
	policy retry.Policy
	logger *zap.Logger
}

var _ Service = (*Client)(nil)

// New builds a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("global.doc_service_url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse doc service url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.RetryFor <= 0 {
		cfg.RetryFor = DefaultRetryFor
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Minute
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base: base,
		http: hc,
		cfg:  cfg,
		policy: retry.All(
			retry.MaxElapsed(cfg.RetryFor),
			retry.Only(retryable),
			retry.Exponential(cfg.RetryBase, cfg.RetryMax, 2),
		),
		logger: logger,
	}, nil
}

type serverError struct {
	method string
	status int
	body   string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("document service %s failed with %d: %s", e.method, e.status, strings.TrimSpace(e.body))
}

func retryable(err error) bool {
	if errors.Is(err, ErrRejected) {
		return false
	}
	var se *serverError
	if errors.As(err, &se) {
		return true
	}
	return retry.IsNetworkError(err)
}

// LastDownload implements Service.
func (c *Client) LastDownload(ctx context.Context, rawURL string) (*DownloadInfo, error) {
	var info DownloadInfo
	found := true
	err := c.call(ctx, "getLastDownload", http.MethodGet, "downloads/last?url="+url.QueryEscape(rawURL), nil, &info,
		func(status int) bool {
			if status == http.StatusNotFound {
				found = false
				return true
			}
			return false
		})
	if err != nil {
		return nil, err
	}
	if !found || info.FileSHA384 == "" {
		return nil, nil
	}
	return &info, nil
}

// RegisterDownload implements Service.
func (c *Client) RegisterDownload(ctx context.Context, d Download) (string, error) {
	var out struct {
		DownloadID string `json:"download_id"`
	}
	if err := c.call(ctx, "registerDownload", http.MethodPost, "downloads", d, &out, nil); err != nil {
		return "", err
	}
	if out.DownloadID == "" {
		return "", fmt.Errorf("document service registerDownload returned no download_id")
	}
	return out.DownloadID, nil
}

// ExtractContent implements Service.
func (c *Client) ExtractContent(
	ctx context.Context,
	downloadID string,
	kind ExtractorKind,
	params ExtractParams,
) (Extraction, error) {
	body := struct {
		Kind   ExtractorKind `json:"kind"`
		Params ExtractParams `json:"params"`
	}{Kind: kind, Params: params}
	var out Extraction
	path := "downloads/" + url.PathEscape(downloadID) + "/extract"
	if err := c.call(ctx, "extractContent", http.MethodPost, path, body, &out, nil); err != nil {
		return Extraction{}, err
	}
	return out, nil
}

// RegisterDocuments implements Service.
func (c *Client) RegisterDocuments(ctx context.Context, downloadID string, docs []Entity) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	body := struct {
		Documents []Entity `json:"documents"`
	}{Documents: docs}
	var out struct {
		DocumentIDs []string `json:"document_ids"`
	}
	path := "downloads/" + url.PathEscape(downloadID) + "/documents"
	if err := c.call(ctx, "registerDocuments", http.MethodPost, path, body, &out, nil); err != nil {
		return nil, err
	}
	return out.DocumentIDs, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// call performs one RPC with retries. accept may claim a non-2xx status as a
// successful empty answer.
func (c *Client) call(
	ctx context.Context,
	method, httpMethod, path string,
	in, out any,
	accept func(status int) bool,
) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", method, err)
		}
		payload = b
	}
	target, err := c.base.Parse(path)
	if err != nil {
		return fmt.Errorf("build %s url: %w", method, err)
	}

	attempts := 0
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		attempts++
		err := c.once(ctx, method, httpMethod, target.String(), payload, out, accept)
		if err != nil && retryable(err) {
			c.logger.Warn("document service call failed; will retry",
				zap.String("method", method),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
		}
		return err
	})
}

func (c *Client) once(
	ctx context.Context,
	method, httpMethod, target string,
	payload []byte,
	out any,
	accept func(status int) bool,
) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, target, body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build %s request: %w", method, err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("document service %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	switch {
	case accept != nil && accept(resp.StatusCode):
		return nil
	case resp.StatusCode >= 500:
		return &serverError{method: method, status: resp.StatusCode, body: decodeErrorBody(data)}
	case resp.StatusCode >= 400:
		return &RejectedError{Method: method, StatusCode: resp.StatusCode, Body: decodeErrorBody(data)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return retry.Permanent(fmt.Errorf("document service %s: unexpected status %d", method, resp.StatusCode))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode %s response: %w", method, err))
	}
	return nil
}
