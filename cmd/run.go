package cmd

import (
	"log"

	"github.com/CodeMeAPixel/Pixie-Bot/pixie"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Pixie bot and backend API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := pixie.New(cfg)
			if err != nil {
				log.Fatalf("error creating pixie: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running pixie: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
