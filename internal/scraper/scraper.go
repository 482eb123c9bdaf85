// Package scraper defines what a scraper is to the host: a registered
// descriptor, the dependencies it is built from, and the item wrapper that
// classifies per-item outcomes.
//
// Scrapers register themselves from init:
//
//	func init() {
//		scraper.Register(scraper.Descriptor{
//			Name: "us_federal_register",
//			Metadata: scraper.Metadata{Component: "federal", Tags: []string{"us"}},
//			New: newScraper,
//		})
//	}
package scraper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/doccache"
	"github.com/JakeFAU/fnscraper/internal/docservice"
	"github.com/JakeFAU/fnscraper/internal/httpclient"
)

// Scraper is one named unit of scraping.
type Scraper interface {
	// Scrape is the entry point. A returned error fails the run.
	Scrape(ctx context.Context, args Args) error
}

// Metadata is announced at run start and used to tag output.
type Metadata struct {
	Component string   `json:"component"`
	Tags      []string `json:"tags"`
}

// Arg declares one command-line option of a scraper. Every option is a string flag.
type Arg struct {
	Name     string
	Usage    string
	Default  string
	Required bool
}

// Descriptor is what a scraper registers.
type Descriptor struct {
	Name     string
	Metadata Metadata
	Args     []Arg
	// Broken, when non-empty, is the reason the scheduler must not launch this scraper.
	Broken string
	// ExpectedErrors lists items known to fail; failures on them are logged at info.
	ExpectedErrors []ExpectedError
	New            func(deps Deps) (Scraper, error)
}

// HTTP is the slice of httpclient.Client scrapers use.
type HTTP interface {
	Request(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
	RequestJSON(ctx context.Context, req httpclient.Request, out any) error
	RequestHTML(ctx context.Context, req httpclient.Request) (*goquery.Document, error)
	RequestXML(ctx context.Context, req httpclient.Request) (*xmlquery.Node, error)
}

// DocCache is the slice of doccache.Cache scrapers use.
type DocCache interface {
	RegisterDownload(ctx context.Context, req httpclient.Request, opts doccache.Options) (doccache.Download, error)
	RegisterDownloadAndDocuments(
		ctx context.Context,
		req httpclient.Request,
		kind docservice.ExtractorKind,
		params docservice.ExtractParams,
		opts doccache.Options,
	) (doccache.Result, error)
}

// Emitter sends one record downstream and returns its message id.
type Emitter interface {
	Publish(ctx context.Context, document any) (string, error)
}

// RunContext identifies the current scrape.
type RunContext struct {
	Scraper     string
	ProcessID   string
	ScrapeStart time.Time
	Tags        []string
	// WorkDir holds per-run state such as work queue files.
	WorkDir string
}

// Deps is everything a scraper constructor receives.
type Deps struct {
	HTTP      HTTP
	Docs      DocCache
	Publisher Emitter
	// Config is the scrapers.<name> section, never nil.
	Config map[string]any
	Run    RunContext
	Items  *Items
	Logger *zap.Logger
}

var registry = struct {
	sync.RWMutex
	byName map[string]Descriptor
}{byName: make(map[string]Descriptor)}

// Register adds d to the registry. It panics on an invalid or duplicate
// descriptor, since registration happens at init.
func Register(d Descriptor) {
	if d.Name == "" || strings.ContainsAny(d.Name, " \t\n") {
		panic(fmt.Sprintf("scraper: invalid name %q", d.Name))
	}
	if d.New == nil {
		panic("scraper: nil constructor for " + d.Name)
	}
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.byName[d.Name]; dup {
		panic("scraper: Register called twice for " + d.Name)
	}
	registry.byName[d.Name] = d
}

// Lookup returns the descriptor registered under name.
func Lookup(name string) (Descriptor, bool) {
	registry.RLock()
	defer registry.RUnlock()
	d, ok := registry.byName[name]
	return d, ok
}

// All returns every descriptor sorted by name.
func All() []Descriptor {
	registry.RLock()
	out := make([]Descriptor, 0, len(registry.byName))
	for _, d := range registry.byName {
		out = append(out, d)
	}
	registry.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BrokenReason reports whether name is declared broken. Unknown scrapers are
// reported broken so the scheduler never launches a binary that cannot run them.
func BrokenReason(name string) (string, bool) {
	d, ok := Lookup(name)
	if !ok {
		return "not registered in this binary", true
	}
	return d.Broken, d.Broken != ""
}

// Args are parsed command-line options keyed by Arg.Name.
type Args map[string]string

// String returns the raw value or "".
func (a Args) String(name string) string { return a[name] }

// Int parses an integer option, returning def when unset.
func (a Args) Int(name string, def int) (int, error) {
	v, ok := a[name]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", name, err)
	}
	return n, nil
}

// Bool parses a boolean option, returning false when unset.
func (a Args) Bool(name string) (bool, error) {
	v, ok := a[name]
	if !ok || v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("--%s: %w", name, err)
	}
	return b, nil
}

// Check verifies required options are present.
func (d Descriptor) Check(args Args) error {
	var missing []string
	for _, a := range d.Args {
		if a.Required && args[a.Name] == "" {
			missing = append(missing, "--"+a.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing required %s", d.Name, strings.Join(missing, ", "))
	}
	return nil
}

// ErrSkipped marks an item intentionally not scraped.
var ErrSkipped = errors.New("item skipped")

// ExpectedError marks a known-broken item.
type ExpectedError struct {
	// Session is matched as a prefix of the item's session.
	Session    string
	ExternalID string
	Reason     string
}

func (e *ExpectedError) Error() string {
	return fmt.Sprintf("expected error for %s/%s: %s", e.Session, e.ExternalID, e.Reason)
}

func (e ExpectedError) matches(k Keys) bool {
	if e.ExternalID != k.ExternalID {
		return false
	}
	return strings.HasPrefix(k.Session, e.Session)
}

// FatalError aborts the whole scrape instead of just the item.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the item wrapper stops the scrape.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}
