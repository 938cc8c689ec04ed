package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/app"
	"github.com/JakeFAU/feedspider/internal/config"
	"github.com/JakeFAU/feedspider/internal/spider"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Run(ctx context.Context) (spider.Remains, error)
	Stats() spider.Stats
	Close(ctx context.Context) error
	GetLogger() *zap.Logger
}

// newApp is the application factory. It's a variable so we can
// replace it with a fake factory in our tests.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedspider",
		Short: "Drives a list of feeds through a fetch engine until every one succeeds or gives up.",
		Long: `feedspider scrapes a list of feeds with bounded concurrency, retrying
failures according to the configured policy. Pages are fetched directly over
HTTP or rendered in headless Chrome by a feedspider-renderer worker process.
Feeds that fail permanently are reported at the end of the run.`,
		SilenceUsage: true,

		// This hook runs BEFORE the subcommand's RunE: it resolves the
		// configuration and builds the application.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyFlags(cmd.Flags(), &cfg); err != nil {
				return err
			}
			for _, feed := range args {
				cfg.Feeds = append(cfg.Feeds, feed)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			// Store the app instance in the context for subcommands to use.
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newCrawlCmd())

	return cmd
}

// applyFlags copies explicitly set command line flags over cfg.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}
	var err error
	if changed("engine") {
		cfg.Engine.Kind, err = flags.GetString("engine")
	}
	if err == nil && changed("renderer") {
		cfg.Renderer.Path, err = flags.GetString("renderer")
	}
	if err == nil && changed("out") {
		cfg.Output.Dir, err = flags.GetString("out")
	}
	if err == nil && changed("listen") {
		cfg.Server.Listen, err = flags.GetString("listen")
	}
	if err == nil && changed("concurrency") {
		cfg.Spider.Concurrency, err = flags.GetInt("concurrency")
	}
	if err == nil && changed("max-retries") {
		cfg.Spider.MaxRetries, err = flags.GetInt("max-retries")
	}
	if err == nil && changed("auto-retry") {
		cfg.Spider.AutoRetry, err = flags.GetString("auto-retry")
	}
	if err != nil {
		return fmt.Errorf("read flags: %w", err)
	}
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT and SIGTERM stop the run; the
// jobs still pending are reported as remains.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
