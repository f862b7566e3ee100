package cmd

import (
	"fmt"
	"log"

	"github.com/CodeMeAPixel/Pixie-Bot/pixie"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and seed the baseline permissions",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable PIXIE_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable PIXIE_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		if err := pixie.InitializeDB(ctx, cfg.DatabaseType, cfg.Database); err != nil {
			log.Fatalf("Error initializing database: %v", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
