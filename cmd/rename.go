package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRenameCmd moves downloaded files to the paths the current patterns produce.
func newRenameCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "rename",
		Short: "Move downloaded files to match the configured filename patterns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			r, err := appInstance.Renamer(cmd.Context())
			if err != nil {
				return err
			}
			res, err := r.Run(cmd.Context(), dryRun)
			verb := "moved"
			if dryRun {
				verb = "would move"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d: %s %d, unchanged %d, missing %d, failed %d\n",
				res.Checked, verb, res.Moved, res.Unchanged, res.Missing, res.Failed)
			if err != nil {
				return fmt.Errorf("rename: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log planned moves without touching files")
	return cmd
}
