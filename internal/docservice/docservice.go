// Package docservice is the client for the external document service that
// records downloads, runs extractors, and assigns document ids.
package docservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrRejected matches every *RejectedError.
var ErrRejected = errors.New("document service rejected request")

// RejectedError is a 4xx answer from the document service. It is never retried.
type RejectedError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("document service %s rejected with %d: %s", e.Method, e.StatusCode, strings.TrimSpace(e.Body))
}

// Is makes errors.Is(err, ErrRejected) true.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// ExtractorKind selects how the service turns bytes into entities.
type ExtractorKind string

// Extractor kinds understood by the document service.
const (
	TextPDF     ExtractorKind = "text_pdf"
	HTML        ExtractorKind = "html"
	MSWordDocx  ExtractorKind = "msword_docx"
	MSWordDoc   ExtractorKind = "msword_doc"
	Tesseract   ExtractorKind = "tesseract"
	UnknownKind ExtractorKind = "unknown"
)

// ParseExtractorKind validates s.
func ParseExtractorKind(s string) (ExtractorKind, error) {
	switch k := ExtractorKind(s); k {
	case TextPDF, HTML, MSWordDocx, MSWordDoc, Tesseract, UnknownKind:
		return k, nil
	default:
		return "", fmt.Errorf("unknown extractor kind %q", s)
	}
}

// KindForMIME picks an extractor for a content type.
func KindForMIME(mime string) ExtractorKind {
	mime = strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
	switch mime {
	case "application/pdf":
		return TextPDF
	case "text/html", "application/xhtml+xml":
		return HTML
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return MSWordDocx
	case "application/msword":
		return MSWordDoc
	case "image/png", "image/jpeg", "image/tiff":
		return Tesseract
	default:
		return UnknownKind
	}
}

// DownloadInfo is what the service remembers about the last fetch of a URL.
type DownloadInfo struct {
	DownloadID   string    `json:"download_id"`
	FileSHA384   string    `json:"file_sha384"`
	S3URL        string    `json:"s3_url"`
	MIMEType     string    `json:"mime_type"`
	Encoding     string    `json:"encoding,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Download is the registerDownload request body.
type Download struct {
	Hash        string      `json:"hash"`
	S3URL       string      `json:"s3_url"`
	ServeFromS3 bool        `json:"serve_from_s3"`
	URL         string      `json:"url"`
	Filename    string      `json:"filename,omitempty"`
	MIMEType    string      `json:"mime_type,omitempty"`
	Encoding    string      `json:"encoding,omitempty"`
	Headers     http.Header `json:"headers,omitempty"`
}

// ExtractParams tunes an extractor.
type ExtractParams struct {
	// ColumnSpec describes tabular layouts.
	ColumnSpec string `json:"columnSpec,omitempty"`
	// Language is the OCR language.
	Language string `json:"language,omitempty"`
	// PageCount caps OCR pages.
	PageCount  int  `json:"pageCount,omitempty"`
	UpdateFlag bool `json:"update_flag,omitempty"`
}

// Entity is one extracted unit, typically a page or a whole document.
type Entity struct {
	Kind     string         `json:"kind,omitempty"`
	Title    string         `json:"title,omitempty"`
	Text     string         `json:"text"`
	Page     int            `json:"page,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Extraction is the extractContent result. ExtractionError is set when the
// extractor ran but could not produce text.
type Extraction struct {
	Entities        []Entity `json:"entities"`
	ExtractionError string   `json:"extraction_error,omitempty"`
}

// Service is the five-call contract. Every call is idempotent under retry.
type Service interface {
	// LastDownload returns nil when the URL has never been registered.
	LastDownload(ctx context.Context, url string) (*DownloadInfo, error)
	RegisterDownload(ctx context.Context, d Download) (string, error)
	ExtractContent(ctx context.Context, downloadID string, kind ExtractorKind, params ExtractParams) (Extraction, error)
	RegisterDocuments(ctx context.Context, downloadID string, docs []Entity) ([]string, error)
	Close() error
}

type errorBody struct {
	Error string `json:"error"`
}

func decodeErrorBody(b []byte) string {
	var e errorBody
	if err := json.Unmarshal(b, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(b)
}
