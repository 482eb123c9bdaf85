package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/api"
	"github.com/JakeFAU/fnscraper/internal/clock"
	"github.com/JakeFAU/fnscraper/internal/clock/system"
	"github.com/JakeFAU/fnscraper/internal/config"
	"github.com/JakeFAU/fnscraper/internal/metrics"
	"github.com/JakeFAU/fnscraper/internal/schedule"
	"github.com/JakeFAU/fnscraper/internal/scheduler"
	"github.com/JakeFAU/fnscraper/internal/scraper"
	pgstore "github.com/JakeFAU/fnscraper/internal/storage/postgres"
	"github.com/JakeFAU/fnscraper/internal/store"
	"github.com/JakeFAU/fnscraper/internal/telemetry"
)

// stores is the persistence the scheduler commands share.
type stores struct {
	schedules schedule.Store
	runs      store.RunRepository
}

func (s stores) Close() { s.schedules.Close() }

// openStores connects to global.scraper_db and creates missing tables. It is a
// variable so tests can substitute in-memory stores.
var openStores = func(ctx context.Context, cfg *config.Config) (stores, error) {
	pg, err := pgstore.NewScheduleStore(ctx, pgstore.ScheduleStoreConfig{
		DSN:             cfg.Global.ScraperDB,
		MaxConns:        4,
		MaxConnLifetime: 30 * time.Minute,
	})
	if err != nil {
		return stores{}, err
	}
	runs := pg.Runs()
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return stores{}, err
	}
	if err := runs.Migrate(ctx); err != nil {
		pg.Close()
		return stores{}, err
	}
	return stores{schedules: pg, runs: runs}, nil
}

// newClock is swapped in tests.
var newClock = func() clock.Clock { return system.New() }

func newSchedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Serve or administer scraper schedules",
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newFlagCmd("run-now", "Start a scraper at the next poll, ignoring its schedule",
		func(ctx context.Context, st schedule.Store, name string, now time.Time) error {
			return st.RequestRunNow(ctx, name, now)
		}))
	cmd.AddCommand(newFlagCmd("kill", "Terminate a running scraper at the next poll",
		func(ctx context.Context, st schedule.Store, name string, _ time.Time) error {
			return st.RequestKill(ctx, name)
		}))
	cmd.AddCommand(newFlagCmd("clear", "Clear pending run-now and kill requests",
		func(ctx context.Context, st schedule.Store, name string, _ time.Time) error {
			return st.ClearRequests(ctx, name)
		}))
	return cmd
}

type serveOptions struct {
	workDir    string
	serveUntil string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve <name>",
		Short: "Run the scheduler loop for the scheduler.<name> config section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.workDir, "scraper-working-dir", ".", "working directory for children and their logs")
	cmd.Flags().StringVar(&opts.serveUntil, "serve-until", "",
		"<mtime>:<path>; drain and exit once path is modified after mtime")
	return cmd
}

func serve(ctx context.Context, name string, opts *serveOptions) error {
	e, err := resolveEnv(ctx)
	if err != nil {
		return err
	}
	sc, err := e.cfg.SchedulerNamed(name)
	if err != nil {
		return err
	}
	var until scheduler.ServeUntil
	if opts.serveUntil != "" {
		if until, err = scheduler.ParseServeUntil(opts.serveUntil); err != nil {
			return err
		}
	}
	workDir, err := filepath.Abs(opts.workDir)
	if err != nil {
		return fmt.Errorf("resolve working dir: %w", err)
	}
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own binary: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, e.cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	metrics.Init()
	logger := e.logger.Named("scheduler").With(zap.String("scheduler", name))
	providers, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: e.cfg.Telemetry.ServiceName,
		ProjectID:   e.cfg.Telemetry.ProjectID,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()
	sources := make([]scheduler.ConfigSource, 0, len(e.cfg.Sources))
	for _, src := range e.cfg.Sources {
		sources = append(sources, scheduler.ConfigSource{Name: src.Name, Data: src.Data})
	}
	clk := newClock()
	engine := scheduler.New(st.schedules,
		&scheduler.ExecLauncher{Binary: self, WorkDir: workDir, Sources: sources, Logger: logger},
		clk,
		scheduler.Config{
			Scrapers:       sc.Scrapers,
			Parts:          sc.Parts,
			MyPart:         sc.MyPart,
			PollInterval:   sc.PollInterval,
			MaxConcurrent:  sc.MaxConcurrent,
			KillGrace:      sc.KillGrace,
			SmoothingAlpha: sc.SmoothingAlpha,
			ScraperArgs:    sc.ScraperArgs,
			ServeUntil:     until,
		},
		logger,
		scheduler.WithBrokenCheck(scraper.BrokenReason),
		scheduler.WithRunHistory(st.runs),
	)

	recovered, err := engine.RecoverOrphans(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Warn("recovered orphaned leases", zap.Int("count", recovered))
	}

	var admin *http.Server
	if addr := adminAddr(sc, e.cfg); addr != "" {
		srv := api.NewServer(st.schedules, st.runs, engine, clk, api.Config{
			APIKey:       sc.AdminAPIKey,
			ProcessStart: clk.Now(),
			Owns: func(scraperName string) bool {
				return scheduler.Owns(scraperName, sc.Parts, sc.MyPart)
			},
		}, logger.Named("api"))
		admin = &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("admin server listening", zap.String("addr", addr))
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("scheduler started", zap.String("working_dir", workDir), zap.Strings("scrapers", sc.Scrapers))
	runErr := engine.Run(ctx)

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown", zap.Error(err))
		}
	}
	logger.Info("scheduler stopped")
	return runErr
}

func adminAddr(sc config.SchedulerConfig, cfg *config.Config) string {
	if sc.AdminAddr != "" {
		return sc.AdminAddr
	}
	return cfg.Telemetry.MetricsAddr
}

// withStores runs fn against freshly opened stores.
func withStores(cmd *cobra.Command, fn func(ctx context.Context, e *env, st stores) error) error {
	ctx := cmd.Context()
	e, err := resolveEnv(ctx)
	if err != nil {
		return err
	}
	st, err := openStores(ctx, e.cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, e, st)
}

func newFlagCmd(
	use, short string,
	apply func(ctx context.Context, st schedule.Store, name string, now time.Time) error,
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(ctx context.Context, _ *env, st stores) error {
				now := newClock().Now()
				for _, name := range args {
					if err := apply(ctx, st.schedules, name, now); err != nil {
						return fmt.Errorf("%s %s: %w", use, name, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s requested\n", name, use)
				}
				return nil
			})
		},
	}
}
