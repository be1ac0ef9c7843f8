package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Hybrid search over engineering decisions, patterns, and notes",
	Long: `recall stores engineering decisions, patterns, and notes in a local
SQLite database and searches them with combined embedding similarity and
keyword matching.

The start command runs the HTTP server; every other command talks to a
running server.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, mcpCmd)
	rootCmd.AddCommand(searchCmd, similarCmd, recordCmd, processCmd, jobsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
