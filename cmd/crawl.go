package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/post-archiver/internal/config"
)

// newCrawlCmd discovers posts and links and records them as pending.
func newCrawlCmd() *cobra.Command {
	var (
		startPage int
		maxPages  int
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the creator's listing and record new posts and links",
		Long: `Walks the listing page by page until the end of the listing or the
page bound. Pages that fail are logged and skipped. Re-running is safe: known
posts and links are left untouched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			c, err := appInstance.Crawler(crawlOverrides(cmd, startPage, maxPages))
			if err != nil {
				return err
			}
			stats, err := c.Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(),
				"pages: %d (failed %d)\nposts: %d seen, %d new\nlinks: %d seen, %d new\n",
				stats.Pages, stats.PagesFailed, stats.PostsSeen, stats.PostsCreated, stats.LinksSeen, stats.LinksCreated)
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&startPage, "start-page", 0, "first listing page (overrides crawler.start_page)")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "page bound, 0 for no bound (overrides crawler.max_pages)")
	return cmd
}

// crawlOverrides applies only the page flags the user actually set.
func crawlOverrides(cmd *cobra.Command, startPage, maxPages int) func(*config.CrawlerConfig) {
	return func(c *config.CrawlerConfig) {
		if cmd.Flags().Changed("start-page") {
			c.StartPage = startPage
		}
		if cmd.Flags().Changed("max-pages") {
			c.MaxPages = maxPages
		}
	}
}
