package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:           "fusion",
	Short:         "SWAPI and Wikipedia fusion API",
	Long:          "fusion serves SWAPI records fused with Wikipedia summaries behind a memory and durable cache, with JWT-protected storage and history endpoints.",
	Version:       version + " (" + commit + ")",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(openapiCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
