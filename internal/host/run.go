package host

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/httpclient"
	iduuid "github.com/JakeFAU/fnscraper/internal/id/uuid"
	"github.com/JakeFAU/fnscraper/internal/logging"
	"github.com/JakeFAU/fnscraper/internal/publisher"
	"github.com/JakeFAU/fnscraper/internal/record"
	"github.com/JakeFAU/fnscraper/internal/scraper"
	pgstore "github.com/JakeFAU/fnscraper/internal/storage/postgres"
	"github.com/JakeFAU/fnscraper/internal/telemetry"
)

// Invocation is one request to run a scraper.
type Invocation struct {
	Scraper string
	Args    scraper.Args
	// ProcessID is assigned by the scheduler; a fresh one is generated when empty.
	ProcessID string
	// RunID links the scrape to a scheduler run history row.
	RunID string
}

// Announcement is POSTed to global.metadata_url when a scrape starts.
type Announcement struct {
	Scraper         string    `json:"scraper"`
	Component       string    `json:"component"`
	Tags            []string  `json:"tags"`
	ProcessID       string    `json:"process_id"`
	ScrapeStartTime time.Time `json:"scrape_start_time"`
}

// Run constructs the named scraper and runs it to completion. The returned
// error is non-nil when the entry point failed or an item raised a fatal error;
// per-item failures only show up in the summary.
func (a *App) Run(ctx context.Context, inv Invocation) (scraper.Summary, error) {
	desc, ok := scraper.Lookup(inv.Scraper)
	if !ok {
		return scraper.Summary{}, fmt.Errorf("unknown scraper %q", inv.Scraper)
	}
	if err := desc.Check(inv.Args); err != nil {
		return scraper.Summary{}, err
	}
	processID, err := resolveProcessID(inv.ProcessID)
	if err != nil {
		return scraper.Summary{}, err
	}

	logger := logging.ForScraper(a.logger, desc.Name, processID)
	if desc.Broken != "" {
		logger.Warn("running a scraper declared broken", zap.String("reason", desc.Broken))
	}
	start := a.clock.Now().UTC()

	ctx = telemetry.WithRunIdentity(ctx, telemetry.RunIdentity{Scraper: desc.Name, ProcessID: processID})
	ctx, span := telemetry.Tracer().Start(ctx, "scrape "+desc.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String("scraper", desc.Name),
		attribute.String("process_id", processID),
	)

	workDir := filepath.Join(a.cfg.ScraperUtils.TempDir, "fnscraper-work", desc.Name)
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return scraper.Summary{}, fmt.Errorf("create work dir: %w", err)
	}

	opts := []publisher.Option{}
	if a.mirror != nil {
		opts = append(opts, publisher.WithMirror(a.mirror))
	}
	a.pub = publisher.New(a.transport, publisher.Config{
		Exchange:     a.cfg.Publisher.Exchange,
		RoutingKey:   a.cfg.Publisher.RoutingKey,
		Source:       desc.Name,
		ProcessID:    processID,
		SessionStart: start,
	}, logger.Named("publisher"), opts...)

	a.announce(ctx, logger, Announcement{
		Scraper:         desc.Name,
		Component:       desc.Metadata.Component,
		Tags:            desc.Metadata.Tags,
		ProcessID:       processID,
		ScrapeStartTime: start,
	})

	items := scraper.NewItems(logger, desc.ExpectedErrors)
	runCtx, cancel := items.Bind(ctx)
	defer cancel()

	logger.Info("scrape started", zap.Any("args", inv.Args))
	err = a.scrape(runCtx, desc, inv.Args, scraper.Deps{
		HTTP:      a.http,
		Docs:      a.cache,
		Publisher: a.pub,
		Config:    a.cfg.ScraperOptions(desc.Name),
		Run: scraper.RunContext{
			Scraper:     desc.Name,
			ProcessID:   processID,
			ScrapeStart: start,
			Tags:        desc.Metadata.Tags,
			WorkDir:     workDir,
		},
		Items:  items,
		Logger: logger,
	})
	if fatal := items.Fatal(); err == nil && fatal != nil {
		err = fatal
	}
	if flushErr := a.pub.Flush(context.WithoutCancel(ctx)); flushErr != nil && err == nil {
		err = fmt.Errorf("flush output: %w", flushErr)
	}

	summary := items.Summary()
	fields := []zap.Field{
		zap.Int64("ok", summary.OK),
		zap.Int64("skipped", summary.Skipped),
		zap.Int64("expected", summary.Expected),
		zap.Int64("failed", summary.Failed),
		zap.Duration("duration", a.clock.Now().Sub(start)),
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.Error("scrape failed", append(fields, zap.Error(err))...)
	} else {
		logger.Info("scrape finished", fields...)
	}

	a.recordItems(context.WithoutCancel(ctx), logger, inv.RunID, summary)
	return summary, err
}

func (a *App) scrape(ctx context.Context, desc scraper.Descriptor, args scraper.Args, deps scraper.Deps) error {
	s, err := desc.New(deps)
	if err != nil {
		return fmt.Errorf("construct %s: %w", desc.Name, err)
	}
	return s.Scrape(ctx, args)
}

func (a *App) announce(ctx context.Context, logger *zap.Logger, ann Announcement) {
	if a.cfg.Global.MetadataURL == "" {
		return
	}
	body, err := record.Marshal(ann)
	if err != nil {
		logger.Warn("failed to encode metadata announcement", zap.Error(err))
		return
	}
	_, err = a.http.Request(ctx, httpclient.Request{
		Method:  http.MethodPost,
		URL:     a.cfg.Global.MetadataURL,
		Header:  http.Header{"Content-Type": []string{"application/json"}},
		Body:    body,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		logger.Warn("metadata announcement failed", zap.String("url", a.cfg.Global.MetadataURL), zap.Error(err))
	}
}

func (a *App) recordItems(ctx context.Context, logger *zap.Logger, runID string, summary scraper.Summary) {
	if runID == "" {
		return
	}
	id, err := uuid.Parse(runID)
	if err != nil {
		logger.Warn("ignoring malformed run id", zap.String("run_id", runID))
		return
	}
	if a.runs == nil {
		if a.cfg.Global.ScraperDB == "" {
			return
		}
		a.pg, err = pgstore.NewScheduleStore(ctx, pgstore.ScheduleStoreConfig{DSN: a.cfg.Global.ScraperDB, MaxConns: 1})
		if err != nil {
			logger.Warn("cannot open run history", zap.Error(err))
			return
		}
		a.runs = a.pg.Runs()
	}
	if err := a.runs.RecordItems(ctx, id, summary.Counts()); err != nil {
		logger.Warn("failed to record item counts", zap.String("run_id", runID), zap.Error(err))
	}
}

// resolveProcessID normalizes a scheduler-assigned id or issues a fresh one.
func resolveProcessID(given string) (string, error) {
	if given == "" {
		return iduuid.NewSource().ProcessID()
	}
	id, err := iduuid.Canonical(given)
	if err != nil {
		return "", fmt.Errorf("invalid process id: %w", err)
	}
	return id, nil
}
