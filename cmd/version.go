package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func init() {
	boxCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of Boxsql",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "boxsql %s\n", version)
			},
		})
}
