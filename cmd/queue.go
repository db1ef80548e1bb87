package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRequeueCmd moves failed links back to pending.
func newRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue",
		Short: "Move every failed link back to pending",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.Store().RequeueErrors(cmd.Context())
			if err != nil {
				return fmt.Errorf("requeue errors: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d links\n", n)
			return nil
		},
	}
}

// newResetDownloadsCmd releases every claimed link.
func newResetDownloadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-downloads",
		Short: "Release every link stuck in downloading back to pending",
		Long: `Use after a run was killed hard. Only run this while no download is in
progress: live claims are released too.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.Store().ResetAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("reset downloads: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d links\n", n)
			return nil
		},
	}
}
