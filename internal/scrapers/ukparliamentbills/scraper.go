// Package ukparliamentbills scrapes bills before the UK Parliament. The bills
// API enumerates a session into a local work queue; workers then fetch each
// bill's page for the long title and its publications page for the PDFs.
// A run interrupted part way resumes from the queue file in the work dir.
package ukparliamentbills

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/dispatcher"
	"github.com/JakeFAU/fnscraper/internal/doccache"
	"github.com/JakeFAU/fnscraper/internal/docservice"
	"github.com/JakeFAU/fnscraper/internal/httpclient"
	"github.com/JakeFAU/fnscraper/internal/scraper"
	"github.com/JakeFAU/fnscraper/internal/workqueue"
)

const (
	// Name is the registry name.
	Name = "uk_parliament_bills"
	// DefaultAPIURL serves the JSON listing.
	DefaultAPIURL = "https://bills-api.parliament.uk"
	// DefaultSiteURL serves the bill pages.
	DefaultSiteURL = "https://bills.parliament.uk"
)

func init() {
	scraper.Register(scraper.Descriptor{
		Name:     Name,
		Metadata: scraper.Metadata{Component: "uk_parliament", Tags: []string{"uk", "bills"}},
		Args: []scraper.Arg{
			{Name: "session", Usage: "parliamentary session id", Required: true},
			{Name: "house", Usage: "only bills currently in Commons or Lords"},
			{Name: "workers", Usage: "concurrent bill fetches", Default: "4"},
			{Name: "parts", Usage: "split the work queue into this many parts", Default: "1"},
			{Name: "mypart", Usage: "which part this process takes", Default: "0"},
		},
		New: New,
	})
}

// Bill is the emitted record.
type Bill struct {
	BillID       int           `json:"bill_id"`
	Session      string        `json:"session"`
	ShortTitle   string        `json:"short_title"`
	LongTitle    string        `json:"long_title,omitempty"`
	CurrentHouse string        `json:"current_house"`
	LastUpdate   time.Time     `json:"last_update"`
	Withdrawn    bool          `json:"withdrawn"`
	Defeated     bool          `json:"defeated"`
	URL          string        `json:"url"`
	Publications []Publication `json:"publications"`
}

// Publication is one PDF attached to a bill.
type Publication struct {
	Title           string   `json:"title"`
	URL             string   `json:"url"`
	DownloadID      string   `json:"download_id"`
	DocumentIDs     []string `json:"document_ids"`
	S3URL           string   `json:"s3_url"`
	Hash            string   `json:"hash"`
	ExtractionError string   `json:"extraction_error,omitempty"`
}

// Item is a queued bill summary from the listing.
type Item struct {
	BillID       int       `json:"billId"`
	ShortTitle   string    `json:"shortTitle"`
	CurrentHouse string    `json:"currentHouse"`
	LastUpdate   time.Time `json:"lastUpdate"`
	Withdrawn    bool      `json:"billWithdrawn"`
	Defeated     bool      `json:"isDefeated"`
}

type listing struct {
	Items        []Item `json:"items"`
	TotalResults int    `json:"totalResults"`
}

// Scraper implements scraper.Scraper.
type Scraper struct {
	deps     scraper.Deps
	apiURL   string
	siteURL  string
	pageSize int
}

// New builds the scraper. Options: api_url, site_url, page_size.
func New(deps scraper.Deps) (scraper.Scraper, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Scraper{deps: deps, apiURL: DefaultAPIURL, siteURL: DefaultSiteURL, pageSize: 50}
	if v, ok := deps.Config["api_url"].(string); ok && v != "" {
		s.apiURL = strings.TrimRight(v, "/")
	}
	if v, ok := deps.Config["site_url"].(string); ok && v != "" {
		s.siteURL = strings.TrimRight(v, "/")
	}
	switch v := deps.Config["page_size"].(type) {
	case int:
		s.pageSize = v
	case float64:
		s.pageSize = int(v)
	}
	if s.pageSize <= 0 {
		return nil, fmt.Errorf("%s: page_size must be positive", Name)
	}
	return s, nil
}

// Scrape drains the session's work queue.
func (s *Scraper) Scrape(ctx context.Context, args scraper.Args) error {
	session := args.String("session")
	if _, err := strconv.Atoi(session); err != nil {
		return fmt.Errorf("--session: %q is not a session id", session)
	}
	house := args.String("house")
	if house != "" && house != "Commons" && house != "Lords" {
		return fmt.Errorf("--house: want Commons or Lords, got %q", house)
	}
	workers, err := args.Int("workers", 4)
	if err != nil {
		return err
	}
	parts, err := args.Int("parts", 1)
	if err != nil {
		return err
	}
	mypart, err := args.Int("mypart", 0)
	if err != nil {
		return err
	}

	path := filepath.Join(s.deps.Run.WorkDir, fmt.Sprintf("session-%s-%s.sqlite",
		session, s.deps.Run.ScrapeStart.Format(time.DateOnly)))
	q, err := workqueue.Open(ctx, path, func(ctx context.Context) ([]Item, error) {
		return s.list(ctx, session, house)
	}, workqueue.Options{Parts: parts, MyPart: mypart, Logger: s.deps.Logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := q.Close(); err != nil {
			s.deps.Logger.Warn("failed to close work queue", zap.Error(err))
		}
	}()

	d := dispatcher.New(q, dispatcher.Config{Workers: workers}, s.deps.Logger)
	keys := func(it Item) scraper.Keys {
		return scraper.Keys{Session: session, ExternalID: strconv.Itoa(it.BillID), URL: s.billURL(it.BillID)}
	}
	stats, err := d.Run(ctx, scraper.Handler(s.deps.Items, keys, func(ctx context.Context, it Item) error {
		return s.scrapeBill(ctx, session, it)
	}))
	s.deps.Logger.Info("work queue drained",
		zap.String("session", session),
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
		zap.Int("remaining", stats.Remaining),
	)
	return err
}

// list pages through the bills API for one session.
func (s *Scraper) list(ctx context.Context, session, house string) ([]Item, error) {
	var out []Item
	for skip := 0; ; skip += s.pageSize {
		q := url.Values{}
		q.Set("SessionId", session)
		q.Set("Skip", strconv.Itoa(skip))
		q.Set("Take", strconv.Itoa(s.pageSize))
		q.Set("SortOrder", "DateUpdatedDescending")
		if house != "" {
			q.Set("CurrentHouse", house)
		}
		var page listing
		if err := s.deps.HTTP.RequestJSON(ctx, httpclient.Request{URL: s.apiURL + "/api/v1/Bills?" + q.Encode()}, &page); err != nil {
			return nil, fmt.Errorf("list session %s at %d: %w", session, skip, err)
		}
		out = append(out, page.Items...)
		if len(page.Items) == 0 || len(out) >= page.TotalResults {
			break
		}
	}
	s.deps.Logger.Info("listed bills", zap.String("session", session), zap.Int("bills", len(out)))
	return out, nil
}

func (s *Scraper) billURL(id int) string {
	return fmt.Sprintf("%s/bills/%d", s.siteURL, id)
}

func (s *Scraper) scrapeBill(ctx context.Context, session string, it Item) error {
	bill := Bill{
		BillID:       it.BillID,
		Session:      session,
		ShortTitle:   strings.TrimSpace(it.ShortTitle),
		CurrentHouse: it.CurrentHouse,
		LastUpdate:   it.LastUpdate,
		Withdrawn:    it.Withdrawn,
		Defeated:     it.Defeated,
		URL:          s.billURL(it.BillID),
		Publications: []Publication{},
	}

	page, err := s.deps.HTTP.RequestHTML(ctx, httpclient.Request{URL: bill.URL})
	if err != nil {
		return fmt.Errorf("bill page: %w", err)
	}
	bill.LongTitle = collapse(page.Find(".long-title").First().Text())

	pubs, err := s.deps.HTTP.RequestHTML(ctx, httpclient.Request{URL: bill.URL + "/publications"})
	var status *httpclient.StatusError
	switch {
	case errors.As(err, &status) && status.StatusCode == http.StatusNotFound && it.Withdrawn:
		return scraper.ErrSkipped
	case err != nil:
		return fmt.Errorf("publications page: %w", err)
	}

	seen := map[string]bool{}
	var linkErr error
	pubs.Find(`a[href$=".pdf"]`).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		abs, err := httpclient.AbsURL(pubs, href)
		if err != nil {
			linkErr = err
			return false
		}
		if seen[abs] {
			return true
		}
		seen[abs] = true
		pub, err := s.register(ctx, collapse(a.Text()), abs)
		if err != nil {
			linkErr = err
			return false
		}
		bill.Publications = append(bill.Publications, pub)
		return true
	})
	if linkErr != nil {
		return linkErr
	}

	_, err = s.deps.Publisher.Publish(ctx, bill)
	return err
}

func (s *Scraper) register(ctx context.Context, title, pdfURL string) (Publication, error) {
	res, err := s.deps.Docs.RegisterDownloadAndDocuments(ctx,
		httpclient.Request{URL: pdfURL},
		docservice.TextPDF,
		docservice.ExtractParams{},
		doccache.Options{},
	)
	if err != nil {
		return Publication{}, fmt.Errorf("publication %s: %w", pdfURL, err)
	}
	return Publication{
		Title:           title,
		URL:             pdfURL,
		DownloadID:      res.DownloadID,
		DocumentIDs:     res.DocumentIDs,
		S3URL:           res.S3URL,
		Hash:            res.Hash,
		ExtractionError: res.ExtractionError,
	}, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
