// Package usfederalregister scrapes documents published in the US Federal
// Register: the JSON search API lists them, the PDF goes through the document
// cache with text extraction, and the XML full text supplies the subject line.
package usfederalregister

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/doccache"
	"github.com/JakeFAU/fnscraper/internal/docservice"
	"github.com/JakeFAU/fnscraper/internal/httpclient"
	"github.com/JakeFAU/fnscraper/internal/record"
	"github.com/JakeFAU/fnscraper/internal/scraper"
)

// Name is the registry name.
const Name = "us_federal_register"

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://www.federalregister.gov/api/v1"

func init() {
	scraper.Register(scraper.Descriptor{
		Name:     Name,
		Metadata: scraper.Metadata{Component: "us_federal", Tags: []string{"us", "federal", "regulations"}},
		Args: []scraper.Arg{
			{Name: "since", Usage: "first publication date (YYYY-MM-DD); defaults to the day before the scrape"},
			{Name: "agency", Usage: "restrict to one agency slug"},
			{Name: "max-pages", Usage: "stop after this many result pages", Default: "50"},
		},
		New: New,
	})
}

// Document is the emitted record.
type Document struct {
	DocumentNumber  string             `json:"document_number"`
	Title           string             `json:"title"`
	Type            string             `json:"type"`
	Abstract        string             `json:"abstract,omitempty"`
	Subject         string             `json:"subject,omitempty"`
	PublicationDate record.Date        `json:"publication_date"`
	Agencies        record.Set[string] `json:"agencies"`
	HTMLURL         string             `json:"html_url"`
	PDF             *Attachment        `json:"pdf,omitempty"`
}

// Attachment describes a cached download and the documents extracted from it.
type Attachment struct {
	URL             string   `json:"url"`
	DownloadID      string   `json:"download_id"`
	DocumentIDs     []string `json:"document_ids"`
	S3URL           string   `json:"s3_url"`
	Hash            string   `json:"hash"`
	ExtractionError string   `json:"extraction_error,omitempty"`
}

type searchPage struct {
	Count      int      `json:"count"`
	TotalPages int      `json:"total_pages"`
	NextPage   string   `json:"next_page_url"`
	Results    []result `json:"results"`
}

type result struct {
	DocumentNumber  string   `json:"document_number"`
	Title           string   `json:"title"`
	Type            string   `json:"type"`
	Abstract        string   `json:"abstract"`
	PublicationDate string   `json:"publication_date"`
	HTMLURL         string   `json:"html_url"`
	PDFURL          string   `json:"pdf_url"`
	FullTextXMLURL  string   `json:"full_text_xml_url"`
	Agencies        []agency `json:"agencies"`
}

type agency struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Scraper implements scraper.Scraper.
type Scraper struct {
	deps    scraper.Deps
	baseURL string
	perPage int

	mu   sync.Mutex
	seen record.Set[string]
}

// New builds the scraper from its dependencies. Options: base_url, per_page.
func New(deps scraper.Deps) (scraper.Scraper, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Scraper{deps: deps, baseURL: DefaultBaseURL, perPage: 100, seen: record.NewSet[string]()}
	if v, ok := deps.Config["base_url"].(string); ok && v != "" {
		s.baseURL = strings.TrimRight(v, "/")
	}
	switch v := deps.Config["per_page"].(type) {
	case int:
		s.perPage = v
	case float64:
		s.perPage = int(v)
	}
	if s.perPage <= 0 || s.perPage > 1000 {
		return nil, fmt.Errorf("%s: per_page must be within 1..1000", Name)
	}
	return s, nil
}

// Scrape walks the search results page by page.
func (s *Scraper) Scrape(ctx context.Context, args scraper.Args) error {
	since := s.deps.Run.ScrapeStart.AddDate(0, 0, -1)
	if v := args.String("since"); v != "" {
		d, err := record.ParseDate(v)
		if err != nil {
			return fmt.Errorf("--since: %w", err)
		}
		since = d.Time
	}
	maxPages, err := args.Int("max-pages", 50)
	if err != nil {
		return err
	}
	return s.deps.Items.Consume(ctx, s.tasks(ctx, since, args.String("agency"), maxPages))
}

func (s *Scraper) searchURL(since time.Time, agencySlug string) string {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(s.perPage))
	q.Set("order", "oldest")
	q.Set("conditions[publication_date][gte]", since.Format(time.DateOnly))
	if agencySlug != "" {
		q.Set("conditions[agencies][]", agencySlug)
	}
	return s.baseURL + "/documents.json?" + q.Encode()
}

func (s *Scraper) tasks(ctx context.Context, since time.Time, agencySlug string, maxPages int) scraper.Tasks {
	return func(yield func(scraper.Task, error) bool) {
		next := s.searchURL(since, agencySlug)
		for page := 1; next != "" && page <= maxPages; page++ {
			var sp searchPage
			if err := s.deps.HTTP.RequestJSON(ctx, httpclient.Request{URL: next}, &sp); err != nil {
				yield(scraper.Task{}, fmt.Errorf("search page %d: %w", page, err))
				return
			}
			s.deps.Logger.Debug("search page",
				zap.Int("page", page),
				zap.Int("results", len(sp.Results)),
				zap.Int("count", sp.Count),
			)
			for _, r := range sp.Results {
				task := scraper.Task{
					Keys: scraper.Keys{Session: r.PublicationDate, ExternalID: r.DocumentNumber, URL: r.HTMLURL},
					Run:  func(ctx context.Context) error { return s.scrapeDocument(ctx, r) },
				}
				if !yield(task, nil) {
					return
				}
			}
			next = sp.NextPage
		}
	}
}

func (s *Scraper) markSeen(number string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen.Has(number) {
		return false
	}
	s.seen.Add(number)
	return true
}

func (s *Scraper) scrapeDocument(ctx context.Context, r result) error {
	if r.DocumentNumber == "" {
		return errors.New("result without document_number")
	}
	if !s.markSeen(r.DocumentNumber) {
		return scraper.ErrSkipped
	}
	published, err := record.ParseDate(r.PublicationDate)
	if err != nil {
		return fmt.Errorf("publication_date: %w", err)
	}
	doc := Document{
		DocumentNumber:  r.DocumentNumber,
		Title:           strings.TrimSpace(r.Title),
		Type:            r.Type,
		Abstract:        strings.TrimSpace(r.Abstract),
		PublicationDate: published,
		Agencies:        record.NewSet[string](),
		HTMLURL:         r.HTMLURL,
	}
	for _, a := range r.Agencies {
		if a.Name != "" {
			doc.Agencies.Add(a.Name)
		}
	}

	if r.PDFURL != "" {
		res, err := s.deps.Docs.RegisterDownloadAndDocuments(ctx,
			httpclient.Request{URL: r.PDFURL},
			docservice.TextPDF,
			docservice.ExtractParams{},
			doccache.Options{},
		)
		if err != nil {
			return fmt.Errorf("pdf %s: %w", r.PDFURL, err)
		}
		doc.PDF = &Attachment{
			URL:             r.PDFURL,
			DownloadID:      res.DownloadID,
			DocumentIDs:     res.DocumentIDs,
			S3URL:           res.S3URL,
			Hash:            res.Hash,
			ExtractionError: res.ExtractionError,
		}
	}

	if r.FullTextXMLURL != "" {
		subject, err := s.subject(ctx, r.FullTextXMLURL)
		if err != nil {
			// a missing subject does not fail the item
			s.deps.Logger.Warn("full text unavailable",
				zap.String("document_number", r.DocumentNumber),
				zap.Error(err),
			)
		}
		doc.Subject = subject
	}

	_, err = s.deps.Publisher.Publish(ctx, doc)
	return err
}

func (s *Scraper) subject(ctx context.Context, xmlURL string) (string, error) {
	root, err := s.deps.HTTP.RequestXML(ctx, httpclient.Request{URL: xmlURL})
	if err != nil {
		return "", err
	}
	node := xmlquery.FindOne(root, "//PREAMB/SUBJECT")
	if node == nil {
		node = xmlquery.FindOne(root, "//SUBJECT")
	}
	if node == nil {
		return "", nil
	}
	return strings.Join(strings.Fields(node.InnerText()), " "), nil
}
