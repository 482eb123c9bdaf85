// Package memory is an in-process document service for dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/fnscraper/internal/docservice"
)

// Service records downloads and documents in maps.
type Service struct {
	mu        sync.Mutex
	now       func() time.Time
	last      map[string]docservice.DownloadInfo
	downloads map[string]docservice.Download
	documents map[string][]docservice.Entity
	nextID    int

	// Extract, when set, replaces the default single-entity extraction.
	Extract func(d docservice.Download, kind docservice.ExtractorKind, p docservice.ExtractParams) docservice.Extraction
	// Fail, when set, is returned by every call before any state changes.
	Fail error
}

var _ docservice.Service = (*Service)(nil)

// New returns an empty Service.
func New() *Service {
	return &Service{
		now:       time.Now,
		last:      make(map[string]docservice.DownloadInfo),
		downloads: make(map[string]docservice.Download),
		documents: make(map[string][]docservice.Entity),
	}
}

// LastDownload implements docservice.Service.
func (s *Service) LastDownload(_ context.Context, url string) (*docservice.DownloadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	info, ok := s.last[url]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// RegisterDownload implements docservice.Service.
func (s *Service) RegisterDownload(_ context.Context, d docservice.Download) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return "", s.Fail
	}
	s.nextID++
	id := fmt.Sprintf("D%d", s.nextID)
	s.downloads[id] = d
	s.last[d.URL] = docservice.DownloadInfo{
		DownloadID:   id,
		FileSHA384:   d.Hash,
		S3URL:        d.S3URL,
		MIMEType:     d.MIMEType,
		Encoding:     d.Encoding,
		RegisteredAt: s.now().UTC(),
	}
	return id, nil
}

// ExtractContent implements docservice.Service.
func (s *Service) ExtractContent(
	_ context.Context,
	downloadID string,
	kind docservice.ExtractorKind,
	params docservice.ExtractParams,
) (docservice.Extraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return docservice.Extraction{}, s.Fail
	}
	d, ok := s.downloads[downloadID]
	if !ok {
		return docservice.Extraction{}, &docservice.RejectedError{
			Method: "extractContent", StatusCode: 404, Body: "unknown download " + downloadID,
		}
	}
	if s.Extract != nil {
		return s.Extract(d, kind, params), nil
	}
	return docservice.Extraction{Entities: []docservice.Entity{{Kind: string(kind), Title: d.Filename, Text: d.URL}}}, nil
}

// RegisterDocuments implements docservice.Service.
func (s *Service) RegisterDocuments(_ context.Context, downloadID string, docs []docservice.Entity) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	ids := make([]string, 0, len(docs))
	for i := range docs {
		ids = append(ids, fmt.Sprintf("%s/doc-%d", downloadID, len(s.documents[downloadID])+i+1))
	}
	s.documents[downloadID] = append(s.documents[downloadID], docs...)
	return ids, nil
}

// Close implements docservice.Service.
func (s *Service) Close() error { return nil }

// Downloads returns how many downloads were registered.
func (s *Service) Downloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.downloads)
}

// Documents returns the entities registered under downloadID.
func (s *Service) Documents(downloadID string) []docservice.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]docservice.Entity(nil), s.documents[downloadID]...)
}
