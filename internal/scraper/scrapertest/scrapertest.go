// Package scrapertest wires a scraper to in-memory backends for tests.
package scrapertest

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/fnscraper/internal/doccache"
	dsmemory "github.com/JakeFAU/fnscraper/internal/docservice/memory"
	"github.com/JakeFAU/fnscraper/internal/httpclient"
	"github.com/JakeFAU/fnscraper/internal/publisher"
	pubmemory "github.com/JakeFAU/fnscraper/internal/publisher/memory"
	"github.com/JakeFAU/fnscraper/internal/scraper"
	"github.com/JakeFAU/fnscraper/internal/storage/memory"
)

// Start is the scrape start time every Env uses.
var Start = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// Env is a scraper's dependency graph backed by memory.
type Env struct {
	Deps      scraper.Deps
	Transport *pubmemory.Transport
	Docs      *dsmemory.Service
	Objects   *memory.BlobStore
	Items     *scraper.Items
}

// New builds an Env for scraper name with the given options.
func New(t testing.TB, name string, opts map[string]any) *Env {
	t.Helper()
	if opts == nil {
		opts = map[string]any{}
	}
	logger := zaptest.NewLogger(t)
	env := &Env{
		Transport: pubmemory.New(),
		Docs:      dsmemory.New(),
		Objects:   memory.NewBlobStore(),
		Items:     scraper.NewItems(logger, nil),
	}
	client := httpclient.New(httpclient.Config{MaxAttempts: 1}, nil, logger)
	pub := publisher.New(env.Transport, publisher.Config{
		Exchange:     "scraper_output",
		RoutingKey:   "documents",
		Source:       name,
		ProcessID:    "0190c2d4-0000-7000-8000-000000000001",
		SessionStart: Start,
	}, logger)
	env.Deps = scraper.Deps{
		HTTP:      client,
		Docs:      doccache.New(client, env.Docs, env.Objects, logger),
		Publisher: pub,
		Config:    opts,
		Run: scraper.RunContext{
			Scraper:     name,
			ProcessID:   "0190c2d4-0000-7000-8000-000000000001",
			ScrapeStart: Start,
			WorkDir:     t.TempDir(),
		},
		Items:  env.Items,
		Logger: logger,
	}
	return env
}

// Documents decodes the document of every published envelope into a new T.
func Documents[T any](t testing.TB, env *Env) []T {
	t.Helper()
	msgs := env.Transport.Messages()
	out := make([]T, 0, len(msgs))
	for _, m := range msgs {
		var envelope struct {
			Document T `json:"document"`
		}
		if err := json.Unmarshal(m.Body, &envelope); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		out = append(out, envelope.Document)
	}
	return out
}
