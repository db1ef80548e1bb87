package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/post-archiver/internal/downloader"
	"github.com/JakeFAU/post-archiver/internal/metrics"
	"github.com/JakeFAU/post-archiver/internal/progress"
)

// newDownloadCmd drains the pending queue into the configured sink.
func newDownloadCmd() *cobra.Command {
	var (
		dryRun      bool
		noProgress  bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download every pending link",
		Long: `Claims pending links in batches and downloads them concurrently. A link
that fails is marked as an error and does not stop the run. Interrupting is
safe: claimed links are released on the next run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			appInstance, err := resolveApp(ctx)
			if err != nil {
				return err
			}
			d, err := appInstance.Downloader(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dryRun {
				return printPlan(ctx, out, d)
			}

			logger := appInstance.Logger()
			if metricsAddr != "" {
				metricsCtx, stop := context.WithCancel(ctx)
				defer stop()
				go func() {
					if err := serveHTTP(metricsCtx, metricsAddr, metrics.Handler(), logger.Named("metrics")); err != nil {
						logger.Warn("metrics server stopped", zap.Error(err))
					}
				}()
			}

			d.AddReporter(progress.NewLogReporter(logger.Named("progress")))
			if !noProgress {
				counts, err := appInstance.Store().Summary(ctx)
				if err != nil {
					return fmt.Errorf("summary: %w", err)
				}
				total := counts.Pending
				if appInstance.Config().Download.RequeueErrors {
					total += counts.Error
				}
				bar := progress.NewBarReporter(total, cmd.ErrOrStderr())
				defer bar.Close() //nolint:errcheck
				d.AddReporter(bar)
			}

			result, err := d.Run(ctx)
			fmt.Fprintf(out, "\nrun %s: %d downloaded, %d skipped, %d failed, %s\n",
				result.RunID, result.Succeeded, result.Skipped, result.Failed,
				humanize.Bytes(uint64(max(result.Bytes, 0))))
			if err != nil {
				if errors.Is(err, context.Canceled) {
					fmt.Fprintln(out, "interrupted; run download again to resume")
				}
				return fmt.Errorf("download: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending links and their destinations without downloading")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while downloading")
	return cmd
}

func printPlan(ctx context.Context, out io.Writer, d *downloader.Downloader) error {
	plan, err := d.Plan(ctx)
	if err != nil {
		return fmt.Errorf("plan download: %w", err)
	}
	existing := 0
	for _, item := range plan {
		switch {
		case item.Err != nil:
			fmt.Fprintf(out, "%d\t%s\terror: %v\n", item.LinkID, item.URL, item.Err)
		case item.Exists:
			existing++
			fmt.Fprintf(out, "%d\t%s\t%s (exists)\n", item.LinkID, item.URL, item.Path)
		default:
			fmt.Fprintf(out, "%d\t%s\t%s\n", item.LinkID, item.URL, item.Path)
		}
	}
	fmt.Fprintf(out, "%s pending links, %s already on disk\n",
		humanize.Comma(int64(len(plan))), humanize.Comma(int64(existing)))
	return nil
}
