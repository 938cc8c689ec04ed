// Package cmd defines and implements the CLI commands for the feedspider executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/spider"
)

// ErrRemains is returned by crawl --strict when some feeds failed permanently.
var ErrRemains = errors.New("feeds failed permanently")

const closeTimeout = 30 * time.Second

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [feed...]",
		Short: "Runs the spider over the configured feeds",
		Long: `Scrapes every feed listed in the configuration file, plus any given as
arguments, and prints a summary with the feeds that failed permanently.`,

		RunE: runCrawlCommand,
	}
	cmd.Flags().String("engine", "", "fetch engine: direct or worker")
	cmd.Flags().String("renderer", "", "path to the feedspider-renderer binary")
	cmd.Flags().String("out", "", "directory for result files")
	cmd.Flags().String("listen", "", "address for the status server, e.g. :8080")
	cmd.Flags().Int("concurrency", 0, "maximum jobs in flight")
	cmd.Flags().Int("max-retries", 0, "retries per job before it remains")
	cmd.Flags().String("auto-retry", "", "automatic retry mode: false, true, now or later")
	cmd.Flags().Bool("strict", false, "exit non-zero when any feed remains")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := appInstance.Close(ctx); cerr != nil {
			logger.Warn("Failed to close application services", zap.Error(cerr))
		}
	}()

	remains, runErr := appInstance.Run(cmd.Context())
	printSummary(cmd.OutOrStdout(), appInstance.Stats(), remains)
	if runErr != nil {
		return fmt.Errorf("run spider: %w", runErr)
	}
	strict, err := cmd.Flags().GetBool("strict")
	if err != nil {
		return fmt.Errorf("read flags: %w", err)
	}
	if strict && len(remains) > 0 {
		return fmt.Errorf("%w: %d", ErrRemains, len(remains))
	}
	logger.Info("Crawl command finished.")
	return nil
}

// printSummary writes the run counters followed by one line per remain,
// ordered by job id.
func printSummary(w io.Writer, stats spider.Stats, remains spider.Remains) {
	fmt.Fprintf(w, "spider %s %s: admitted=%d succeeded=%d remains=%d\n",
		stats.ID, stats.State, stats.Index, stats.Done, len(remains))
	ids := make([]string, 0, len(remains))
	for id := range remains {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		r := remains[id]
		url, retries := "", 0
		if r.Job != nil && r.Job.Request != nil {
			url, retries = r.Job.Request.URL, r.Job.Request.Retries
		}
		fmt.Fprintf(w, "  %s %s retries=%d %s: %s\n", id, url, retries, r.Error.Kind, r.Error.Message)
	}
}
