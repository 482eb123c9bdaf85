// Package host builds the per-process dependency graph a scrape runs in and
// drives one scrape to completion.
package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fnscraper/internal/clock"
	"github.com/JakeFAU/fnscraper/internal/clock/system"
	"github.com/JakeFAU/fnscraper/internal/config"
	"github.com/JakeFAU/fnscraper/internal/doccache"
	"github.com/JakeFAU/fnscraper/internal/docservice"
	docmemory "github.com/JakeFAU/fnscraper/internal/docservice/memory"
	"github.com/JakeFAU/fnscraper/internal/httpclient"
	"github.com/JakeFAU/fnscraper/internal/policy/ratelimit"
	"github.com/JakeFAU/fnscraper/internal/publisher"
	amqppublisher "github.com/JakeFAU/fnscraper/internal/publisher/amqp"
	filepublisher "github.com/JakeFAU/fnscraper/internal/publisher/file"
	memorypublisher "github.com/JakeFAU/fnscraper/internal/publisher/memory"
	natspublisher "github.com/JakeFAU/fnscraper/internal/publisher/nats"
	pubsubpublisher "github.com/JakeFAU/fnscraper/internal/publisher/pubsub"
	"github.com/JakeFAU/fnscraper/internal/storage"
	gcsstorage "github.com/JakeFAU/fnscraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/fnscraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/fnscraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/fnscraper/internal/storage/postgres"
	s3storage "github.com/JakeFAU/fnscraper/internal/storage/s3"
	"github.com/JakeFAU/fnscraper/internal/store"
	"github.com/JakeFAU/fnscraper/internal/telemetry"
)

// App holds the long-lived services of one scraper process.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  clock.Clock

	http      *httpclient.Client
	docs      docservice.Service
	cache     *doccache.Cache
	objects   storage.ObjectStore
	transport publisher.Transport
	mirror    publisher.Transport
	pub       *publisher.Publisher
	runs      store.RunRepository

	gcsClient      *gcs.Client
	redis          *ratelimit.RedisCounter
	pg             *pgstore.ScheduleStore
	tracerShutdown func(context.Context) error
}

// Option overrides a dependency Build would otherwise construct from config.
type Option func(*App)

// WithObjectStore replaces the configured storage backend.
func WithObjectStore(s storage.ObjectStore) Option { return func(a *App) { a.objects = s } }

// WithDocService replaces the document service client.
func WithDocService(s docservice.Service) Option { return func(a *App) { a.docs = s } }

// WithTransport replaces the configured publisher backend.
func WithTransport(t publisher.Transport) Option { return func(a *App) { a.transport = t } }

// WithRunHistory records item counts in runs instead of the scraper database.
func WithRunHistory(runs store.RunRepository) Option { return func(a *App) { a.runs = runs } }

// WithClock overrides the clock used for the scrape start time.
func WithClock(c clock.Clock) Option { return func(a *App) { a.clock = c } }

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	for _, opt := range opts {
		opt(app)
	}

	providers, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		ProjectID:   cfg.Telemetry.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.tracerShutdown = providers.ForceFlush

	ok := false
	defer func() {
		if !ok {
			if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("cleanup after failed build", zap.Error(cerr))
			}
		}
	}()

	limiter, err := app.setupLimiter()
	if err != nil {
		return nil, err
	}
	app.http = httpclient.New(httpclient.Config{
		Timeout:             cfg.HTTP.Timeout,
		MaxAttempts:         cfg.HTTP.MaxAttempts,
		UserAgent:           cfg.HTTP.UserAgent,
		MaxIdleConnsPerHost: cfg.HTTP.MaxIdleConnsPerHost,
	}, limiter, logger.Named("http"))

	if err := app.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := app.setupDocService(); err != nil {
		return nil, err
	}
	app.cache = doccache.New(app.http, app.docs, app.objects, logger.Named("doccache"))

	if err := app.setupTransport(ctx); err != nil {
		return nil, err
	}
	ok = true
	return app, nil
}

func (a *App) setupLimiter() (ratelimit.Waiter, error) {
	local := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.HTTP.RequestsPerSecond,
		DefaultBurst: a.cfg.HTTP.Burst,
	})
	if a.cfg.HTTP.SharedLimit <= 0 {
		return local, nil
	}
	counter, err := ratelimit.NewRedisCounter(a.cfg.Global.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis limiter init failed: %w", err)
	}
	a.redis = counter
	remote, err := ratelimit.NewRemoteLimiter(counter, ratelimit.RemoteConfig{
		Limit:    a.cfg.HTTP.SharedLimit,
		Window:   a.cfg.HTTP.SharedWindow,
		FailOpen: true,
	}, a.logger.Named("ratelimit"))
	if err != nil {
		return nil, fmt.Errorf("shared limiter init failed: %w", err)
	}
	a.logger.Info("shared rate limit enabled",
		zap.Int64("limit", a.cfg.HTTP.SharedLimit),
		zap.Duration("window", a.cfg.HTTP.SharedWindow),
	)
	return ratelimit.Chain{local, remote}, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	if a.objects != nil {
		return nil
	}
	su := a.cfg.ScraperUtils
	var err error
	switch su.StorageBackend {
	case config.StorageS3:
		a.logger.Info("using S3 storage backend", zap.String("bucket", su.FileUploadBucket))
		a.objects, err = s3storage.New(ctx, s3storage.Config{
			Region:          su.AWS.Region,
			Endpoint:        su.AWS.Endpoint,
			AccessKeyID:     su.AWS.AccessKeyID,
			SecretAccessKey: su.AWS.SecretAccessKey,
			PathStyle:       su.AWS.PathStyle,
			Bucket:          su.FileUploadBucket,
		}, a.logger.Named("s3"))
		if err != nil {
			return fmt.Errorf("s3 blob store init failed: %w", err)
		}
	case config.StorageGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", su.FileUploadBucket))
		a.gcsClient, err = gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.objects, err = gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: su.FileUploadBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.StorageLocal:
		dir := a.cfg.LocalStorageDir()
		a.logger.Info("using local storage backend", zap.String("path", dir))
		a.objects, err = localstorage.New(localstorage.Config{BaseDir: dir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		a.logger.Info("using in-memory storage backend")
		a.objects = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupDocService() error {
	if a.docs != nil {
		return nil
	}
	if a.cfg.Global.DocServiceURL == "" {
		a.logger.Warn("no global.doc_service_url configured, using in-memory document service")
		a.docs = docmemory.New()
		return nil
	}
	client, err := docservice.New(docservice.Config{
		BaseURL: a.cfg.Global.DocServiceURL,
		Timeout: a.cfg.Global.DocServiceTimeout,
	}, a.logger.Named("docservice"))
	if err != nil {
		return fmt.Errorf("doc service init failed: %w", err)
	}
	a.docs = client
	return nil
}

func (a *App) setupTransport(ctx context.Context) error {
	pc := a.cfg.Publisher
	if a.transport == nil {
		var err error
		switch pc.Backend {
		case config.PublisherAMQP:
			a.transport, err = amqppublisher.New(amqppublisher.Config{
				URL:             a.cfg.Global.AMQPURL,
				DeclareExchange: pc.Exchange,
				BatchSize:       pc.BatchSize,
			}, a.logger.Named("amqp"))
		case config.PublisherPubSub:
			a.transport, err = pubsubpublisher.New(ctx, pc.GCPProject, "")
		case config.PublisherNATS:
			a.transport, err = natspublisher.Connect(ctx, natspublisher.Config{
				URL:           a.cfg.Global.NATSURL,
				SubjectPrefix: pc.NATSSubjectPrefix,
			}, a.logger.Named("nats"))
		case config.PublisherFile:
			a.transport, err = filepublisher.Open(pc.FileSink)
		default:
			a.logger.Warn("publisher backend is none, records are kept in memory only")
			a.transport = memorypublisher.New()
		}
		if err != nil {
			return fmt.Errorf("%s publisher init failed: %w", pc.Backend, err)
		}
	}
	if pc.Mirror && pc.Backend != config.PublisherFile {
		mirror, err := filepublisher.Open(pc.FileSink)
		if err != nil {
			return fmt.Errorf("publisher mirror init failed: %w", err)
		}
		a.mirror = mirror
	}
	a.logger.Info("publisher initialized",
		zap.String("backend", a.transport.Name()),
		zap.String("exchange", pc.Exchange),
		zap.Bool("mirror", a.mirror != nil),
	)
	return nil
}

// Close flushes output and releases every client. Independent resources are
// closed concurrently.
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		switch {
		case a.pub != nil:
			return a.pub.Close(gctx)
		case a.transport != nil:
			var mirrorErr error
			if a.mirror != nil {
				mirrorErr = a.mirror.Close()
			}
			return errors.Join(mirrorErr, a.transport.Close())
		}
		return nil
	})
	g.Go(func() error {
		if a.cache != nil {
			return a.cache.Close()
		}
		if a.docs != nil {
			return a.docs.Close()
		}
		return nil
	})
	g.Go(func() error {
		if a.gcsClient != nil {
			return a.gcsClient.Close()
		}
		return nil
	})
	g.Go(func() error {
		if a.redis != nil {
			return a.redis.Close()
		}
		return nil
	})
	err := g.Wait()

	if a.pg != nil {
		a.pg.Close()
	}
	if a.tracerShutdown != nil {
		if terr := a.tracerShutdown(ctx); terr != nil {
			a.logger.Warn("tracer flush failed", zap.Error(terr))
		}
	}
	return err
}
