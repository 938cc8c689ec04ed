package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/ipc"
	"github.com/JakeFAU/feedspider/internal/logging"
	"github.com/JakeFAU/feedspider/internal/renderer"
)

type options struct {
	maxParallel       int
	navigationTimeout time.Duration
	settle            time.Duration
	userAgent         string
	production        bool
	logLevel          string
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "feedspider-renderer",
		Short:        "Headless Chrome rendering worker for feedspider.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.maxParallel, "max-parallel", 2, "maximum pages rendered at once")
	cmd.Flags().DurationVar(&opts.navigationTimeout, "navigation-timeout", 45*time.Second, "per-page navigation timeout")
	cmd.Flags().DurationVar(&opts.settle, "settle", 0, "wait after the body is ready before evaluating the script")
	cmd.Flags().StringVar(&opts.userAgent, "user-agent", "", "user agent sent by the browser")
	cmd.Flags().BoolVar(&opts.production, "production", false, "log JSON instead of console output")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "minimum log level")
	return cmd
}

func run(ctx context.Context, opts options) error {
	logger, err := logging.NewWithLevel(!opts.production, opts.logLevel)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	r, err := renderer.New(renderer.Config{
		MaxParallel:       opts.maxParallel,
		UserAgent:         opts.userAgent,
		NavigationTimeout: opts.navigationTimeout,
		Settle:            opts.settle,
		Logger:            logger.Named("renderer"),
	})
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}
	defer r.Close()

	conn := ipc.NewStream(os.Stdin, os.Stdout)
	defer func() { _ = conn.Close() }()

	logger.Info("renderer ready", zap.Int("max_parallel", opts.maxParallel))
	if err := r.Serve(ctx, conn); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("renderer stopped")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
