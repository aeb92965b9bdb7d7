package cmd

import (
	"fmt"
	"log"

	"github.com/edwinchan129/texbot/texbot"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register-commands",
	Short: "Overwrite the bot's slash commands in the community guild",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		bot, err := texbot.New(cfg)
		if err != nil {
			log.Fatalf("error creating bot: %s", err.Error())
		}
		if err = bot.ValidateConfig(); err != nil {
			log.Fatalf("invalid config: %s", err.Error())
		}
		created, err := bot.RegisterCommands()
		if err != nil {
			log.Fatalf("error registering commands: %s", err.Error())
		}
		out := cmd.OutOrStdout()
		for _, c := range created {
			fmt.Fprintf(out, "registered %s (%s)\n", c.Name, c.ID)
		}
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
}
