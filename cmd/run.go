package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/xsqu1znt/vimcord/vimcord"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot and (optionally) the status API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := vimcord.New(cfg)
		if err != nil {
			log.Fatalf("error creating client: %s", err.Error())
		}

		err = bot.Register(
			vimcord.PingCommand(),
			vimcord.KarmaCommand(),
			vimcord.SetPrefixCommand(),
			vimcord.ReadyStatusListener("vimcord"),
		)
		if err != nil {
			log.Fatalf("error registering commands: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running client: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
