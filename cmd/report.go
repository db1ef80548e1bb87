package cmd

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

// newReportCmd prints archive totals and, optionally, every failed link.
func newReportCmd() *cobra.Command {
	var showErrors bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show post and link totals by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			appInstance, err := resolveApp(ctx)
			if err != nil {
				return err
			}
			counts, err := appInstance.Store().Summary(ctx)
			if err != nil {
				return fmt.Errorf("summary: %w", err)
			}
			out := cmd.OutOrStdout()
			printSummary(out, counts)
			if !showErrors || counts.Error == 0 {
				return nil
			}
			posts, err := appInstance.Store().ListPosts(ctx)
			if err != nil {
				return fmt.Errorf("list posts: %w", err)
			}
			fmt.Fprintln(out, "\nfailed links:")
			for _, p := range posts {
				for _, l := range p.Links {
					if l.Status != archive.StatusError {
						continue
					}
					msg := ""
					if l.Error != nil {
						msg = *l.Error
					}
					fmt.Fprintf(out, "  post %d link %d %s: %s\n", p.Post.ID, l.ID, l.URL, msg)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showErrors, "errors", false, "list every failed link with its error")
	return cmd
}

func printSummary(out io.Writer, c archive.StatusCounts) {
	done := 0.0
	if c.Links() > 0 {
		done = float64(c.Success) / float64(c.Links()) * 100
	}
	fmt.Fprintf(out, "posts:       %s\n", humanize.Comma(c.Posts))
	fmt.Fprintf(out, "links:       %s (%.1f%% downloaded)\n", humanize.Comma(c.Links()), done)
	fmt.Fprintf(out, "  pending:     %s\n", humanize.Comma(c.Pending))
	fmt.Fprintf(out, "  downloading: %s\n", humanize.Comma(c.Downloading))
	fmt.Fprintf(out, "  success:     %s\n", humanize.Comma(c.Success))
	fmt.Fprintf(out, "  error:       %s\n", humanize.Comma(c.Error))
}
