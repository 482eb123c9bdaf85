// Package cmd defines and implements the CLI commands for the fnscraper executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/config"
	"github.com/JakeFAU/fnscraper/internal/logging"
	_ "github.com/JakeFAU/fnscraper/internal/scrapers" // register every scraper
)

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand needs once flags are parsed.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

type rootOptions struct {
	configFiles []string
	configFDs   []string
	envFile     string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "fnscraper",
		Short:         "Runs legislative scrapers and the scheduler that drives them.",
		SilenceUsage:  true,
		SilenceErrors: true,

		// Configuration and logging are built here so subcommands only see the result.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(opts)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, e))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringArrayVar(&opts.configFiles, "config", nil,
		"config file (repeatable; later files override earlier ones)")
	cmd.PersistentFlags().StringArrayVar(&opts.configFDs, "config-from-fd", nil,
		"read config from an inherited descriptor, as <fd>:<name> (repeatable)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional dotenv file loaded before config")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSchedulerCmd())
	return cmd
}

func loadEnv(opts *rootOptions) (*env, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", opts.envFile, err)
		}
	}

	sources := make([]config.Source, 0, len(opts.configFiles)+len(opts.configFDs))
	for _, path := range opts.configFiles {
		src, err := config.ReadFile(path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	for _, spec := range opts.configFDs {
		src, err := config.FromFD(spec)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	cfg, err := config.Load(sources...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return &env{cfg: cfg, logger: logger}, nil
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute is the main entry point. Any failure exits non-zero, which the
// scheduler records as a failed run.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fnscraper:", err)
		os.Exit(1)
	}
}
