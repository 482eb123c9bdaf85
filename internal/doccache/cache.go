// Package doccache deduplicates downloaded artifacts by SHA-384, uploads each
// byte sequence once, and registers downloads and extracted documents with
// the document service.
package doccache

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/fnscraper/internal/docservice"
	"github.com/JakeFAU/fnscraper/internal/hash/sha384"
	"github.com/JakeFAU/fnscraper/internal/httpclient"
	"github.com/JakeFAU/fnscraper/internal/metrics"
	"github.com/JakeFAU/fnscraper/internal/storage"
)

// Upload results reported to metrics.
const (
	ResultUploaded  = "uploaded"
	ResultExists    = "exists"
	ResultUnchanged = "unchanged"
	ResultSkipped   = "skipped"
)

// sharedUploadTimeout bounds an upload that no caller is waiting on.
const sharedUploadTimeout = 10 * time.Minute

// Fetcher performs HTTP requests. *httpclient.Client satisfies it.
type Fetcher interface {
	Request(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

// Options tune a single download.
type Options struct {
	// ServeFromS3 asks the document service to serve the stored copy.
	ServeFromS3 bool
	// SkipChecks trusts the remembered digest and does not re-download.
	SkipChecks bool
	// Filename overrides the name derived from the response.
	Filename string
}

// Download describes a registered download.
type Download struct {
	DownloadID string
	URL        string
	Hash       string
	S3URL      string
	MIMEType   string
	Encoding   string
	Header     http.Header
	// Body is nil when SkipChecks short-circuited the fetch.
	Body []byte
	// Result is one of the Result constants.
	Result string
}

// Documents is the outcome of extraction.
type Documents struct {
	IDs      []string
	Entities []docservice.Entity
	// ExtractionError is set when the extractor produced nothing usable.
	ExtractionError string
}

// Result is the fused download and extraction outcome.
type Result struct {
	DownloadID      string
	DocumentIDs     []string
	S3URL           string
	Hash            string
	MIMEType        string
	ExtractionError string
}

// Cache is safe for concurrent use.
type Cache struct {
	fetch  Fetcher
	docs   docservice.Service
	store  storage.ObjectStore
	hasher *sha384.Hasher
	group  singleflight.Group
	logger *zap.Logger
}

// New wires a Cache.
func New(fetch Fetcher, docs docservice.Service, store storage.ObjectStore, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		fetch:  fetch,
		docs:   docs,
		store:  store,
		hasher: sha384.New(),
		logger: logger,
	}
}

// RegisterDownload fetches req.URL, stores the bytes under their digest if
// they are new, and registers the download.
func (c *Cache) RegisterDownload(ctx context.Context, req httpclient.Request, opts Options) (Download, error) {
	last, err := c.docs.LastDownload(ctx, req.URL)
	if err != nil {
		return Download{}, fmt.Errorf("last download for %s: %w", req.URL, err)
	}
	if opts.SkipChecks && last != nil {
		metrics.ObserveUpload(ResultSkipped)
		c.logger.Debug("trusting remembered digest", zap.String("url", req.URL), zap.String("hash", last.FileSHA384))
		return Download{
			DownloadID: last.DownloadID,
			URL:        req.URL,
			Hash:       last.FileSHA384,
			S3URL:      last.S3URL,
			MIMEType:   last.MIMEType,
			Encoding:   last.Encoding,
			Result:     ResultSkipped,
		}, nil
	}

	resp, err := c.fetch.Request(ctx, req)
	if err != nil {
		return Download{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	digest, err := c.hasher.Hash(resp.Body)
	if err != nil {
		return Download{}, fmt.Errorf("hash %s: %w", req.URL, err)
	}
	mimeType, encoding := contentType(resp.Header.Get("Content-Type"))

	d := Download{
		URL:      req.URL,
		Hash:     digest,
		MIMEType: mimeType,
		Encoding: encoding,
		Header:   resp.Header,
		Body:     resp.Body,
	}
	if last != nil && last.FileSHA384 == digest && last.S3URL != "" {
		d.S3URL = last.S3URL
		d.Result = ResultUnchanged
	} else {
		d.S3URL, d.Result, err = c.upload(ctx, digest, req.URL, mimeType, resp.Body)
		if err != nil {
			return Download{}, err
		}
	}
	metrics.ObserveUpload(d.Result)

	filename := opts.Filename
	if filename == "" {
		filename = filenameFor(resp)
	}
	d.DownloadID, err = c.docs.RegisterDownload(ctx, docservice.Download{
		Hash:        digest,
		S3URL:       d.S3URL,
		ServeFromS3: opts.ServeFromS3,
		URL:         req.URL,
		Filename:    filename,
		MIMEType:    mimeType,
		Encoding:    encoding,
		Headers:     resp.Header,
	})
	if err != nil {
		return Download{}, fmt.Errorf("register download %s: %w", req.URL, err)
	}
	c.logger.Debug("registered download",
		zap.String("url", req.URL),
		zap.String("download_id", d.DownloadID),
		zap.String("hash", digest),
		zap.String("result", d.Result),
	)
	return d, nil
}

// upload stores body under its digest. Concurrent callers with the same
// digest share one upload. The shared upload outlives any one caller's
// context; a cancelled caller stops waiting without failing the others.
func (c *Cache) upload(ctx context.Context, digest, sourceURL, mimeType string, body []byte) (string, string, error) {
	key := sha384.ObjectKey(digest)
	ch := c.group.DoChan(digest, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedUploadTimeout)
		defer cancel()
		exists, err := c.store.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("check object %s: %w", key, err)
		}
		if exists {
			return [2]string{c.store.URL(key), ResultExists}, nil
		}
		u, err := c.store.Put(ctx, key, body, storage.PutOptions{
			ContentType: mimeType,
			Metadata: map[string]string{
				storage.MetaSourceURL:   sourceURL,
				storage.MetaContentType: mimeType,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", key, err)
		}
		return [2]string{u, ResultUploaded}, nil
	})
	select {
	case <-ctx.Done():
		return "", "", fmt.Errorf("upload %s: %w", key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", "", res.Err
		}
		out := res.Val.([2]string)
		return out[0], out[1], nil
	}
}

// ExtractAndRegister runs an extractor over a registered download and
// registers the resulting entities. An extractor failure is not an error: it
// yields no documents and a populated ExtractionError.
func (c *Cache) ExtractAndRegister(
	ctx context.Context,
	downloadID string,
	kind docservice.ExtractorKind,
	params docservice.ExtractParams,
) (Documents, error) {
	ext, err := c.docs.ExtractContent(ctx, downloadID, kind, params)
	if err != nil {
		return Documents{}, fmt.Errorf("extract %s as %s: %w", downloadID, kind, err)
	}
	if ext.ExtractionError != "" {
		c.logger.Warn("extraction failed",
			zap.String("download_id", downloadID),
			zap.String("kind", string(kind)),
			zap.String("error", ext.ExtractionError),
		)
		return Documents{ExtractionError: ext.ExtractionError}, nil
	}
	ids, err := c.docs.RegisterDocuments(ctx, downloadID, ext.Entities)
	if err != nil {
		return Documents{}, fmt.Errorf("register documents for %s: %w", downloadID, err)
	}
	return Documents{IDs: ids, Entities: ext.Entities}, nil
}

// RegisterDownloadAndDocuments is the common fused path. An empty kind is
// chosen from the response content type.
func (c *Cache) RegisterDownloadAndDocuments(
	ctx context.Context,
	req httpclient.Request,
	kind docservice.ExtractorKind,
	params docservice.ExtractParams,
	opts Options,
) (Result, error) {
	d, err := c.RegisterDownload(ctx, req, opts)
	if err != nil {
		return Result{}, err
	}
	if kind == "" {
		kind = docservice.KindForMIME(d.MIMEType)
	}
	docs, err := c.ExtractAndRegister(ctx, d.DownloadID, kind, params)
	if err != nil {
		return Result{}, err
	}
	return Result{
		DownloadID:      d.DownloadID,
		DocumentIDs:     docs.IDs,
		S3URL:           d.S3URL,
		Hash:            d.Hash,
		MIMEType:        d.MIMEType,
		ExtractionError: docs.ExtractionError,
	}, nil
}

// RequestFileWithCache fetches a file through the cache so unchanged bytes
// are never uploaded twice.
func (c *Cache) RequestFileWithCache(ctx context.Context, req httpclient.Request, opts Options) (Download, error) {
	return c.RegisterDownload(ctx, req, opts)
}

// Close closes the document service client.
func (c *Cache) Close() error {
	return c.docs.Close()
}

func contentType(header string) (string, string) {
	if header == "" {
		return "application/octet-stream", ""
	}
	mediaType, params, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.TrimSpace(strings.SplitN(header, ";", 2)[0]), ""
	}
	return mediaType, strings.ToLower(params["charset"])
}

func filenameFor(resp *httpclient.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	u, err := url.Parse(resp.URL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return base
}
