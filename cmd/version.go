package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xsqu1znt/vimcord/vimcord"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"version=%s commit=%s built: %s",
			vimcord.Version,
			vimcord.CommitSHA,
			vimcord.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
