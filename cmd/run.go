package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/host"
	"github.com/JakeFAU/fnscraper/internal/scraper"
)

// closeTimeout bounds flushing output and closing backends after a scrape.
const closeTimeout = 2 * time.Minute

// newRunCmd builds `run`, with one subcommand per registered scraper so each
// scraper's arguments are ordinary flags.
func newRunCmd() *cobra.Command {
	var processID, runID string
	cmd := &cobra.Command{
		Use:   "run <scraper>",
		Short: "Run one scraper in this process",
		Long: `Runs a scraper to completion and exits non-zero if its entry point failed
or an item raised a fatal error. The scheduler launches children this way.`,
	}
	cmd.PersistentFlags().StringVar(&processID, "process-id", "", "process id stamped on every emitted record")
	cmd.PersistentFlags().StringVar(&runID, "run-id", "", "scheduler run history id")

	for _, d := range scraper.All() {
		cmd.AddCommand(newScraperCmd(d, &processID, &runID))
	}
	return cmd
}

func newScraperCmd(d scraper.Descriptor, processID, runID *string) *cobra.Command {
	values := make(map[string]*string, len(d.Args))
	short := d.Metadata.Component
	if d.Broken != "" {
		short += " (broken: " + d.Broken + ")"
	}
	cmd := &cobra.Command{
		Use:   d.Name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			args := scraper.Args{}
			for name, v := range values {
				if *v != "" {
					args[name] = *v
				}
			}
			return runScraper(cmd.Context(), host.Invocation{
				Scraper:   d.Name,
				Args:      args,
				ProcessID: *processID,
				RunID:     *runID,
			})
		},
	}
	for _, a := range d.Args {
		usage := a.Usage
		if a.Required {
			usage += " (required)"
		}
		values[a.Name] = cmd.Flags().String(a.Name, a.Default, usage)
	}
	return cmd
}

func runScraper(ctx context.Context, inv host.Invocation) (err error) {
	e, err := resolveEnv(ctx)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := host.Build(ctx, e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("build scraper host: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if closeErr := app.Close(closeCtx); closeErr != nil {
			e.logger.Error("failed to close scraper host", zap.Error(closeErr))
			err = errors.Join(err, closeErr)
		}
	}()

	if _, err := app.Run(ctx, inv); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s interrupted: %w", inv.Scraper, context.Cause(ctx))
	}
	return nil
}
