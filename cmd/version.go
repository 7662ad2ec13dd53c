package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newVersionCmd creates the command for displaying the build version.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of mcphub",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcphub version %s\n", rootCmd.Version)
		},
	}
}
