package cli

import (
	"fmt"

	"github.com/fmueller/transcribepod/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "transcribepod v%s\n", version.Resolve())
			if commit := version.Commit; commit != "" && commit != "unknown" {
				fmt.Fprintf(cmd.OutOrStdout(), "commit %s built %s\n", commit, version.Date)
			}
			return nil
		},
	}
}
