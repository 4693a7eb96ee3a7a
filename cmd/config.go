package cmd

import (
	"github.com/spf13/cobra"
)

func init() {
	boxCmd.AddCommand(
		&cobra.Command{
			Use:   "config",
			Short: "List the config variables, their values, and where the values came from",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				var rows [][]string
				for _, v := range cfg.Vars() {
					rows = append(rows, []string{v.Name(), v.Value(), v.By().String()})
				}
				renderTable(cmd.OutOrStdout(), []string{"name", "value", "by"}, rows)
			},
		})
}
