package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCMD = &cobra.Command{
	Use:   "tradejournal",
	Short: "Trading journal backend and CSV import tool",
	Long: `Backend for the trading journal. It serves the HTTP API and imports broker
CSV or spreadsheet exports, learning each broker's column layout the first time
a user confirms its mapping.`,
	SilenceUsage: true,
}

// Execute runs the command selected on the command line. Without one it serves the API.
func Execute() {
	if err := rootCMD.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCMD.RunE = serveCMD.RunE
	rootCMD.AddCommand(serveCMD, migrateCMD, importCMD, formatsCMD, purgeCMD, tokenCMD, versionCMD)
}
