package main

import (
	"os"

	"github.com/spf13/cobra"

	"gatewatch/internal/logging"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:          "gatewatch",
	Short:        "Entry and exit gate emotion overlays",
	SilenceUsage: true,
	Long: `gatewatch captures frames from the entry and exit cameras of a class,
sends them to the emotion analysis service and serves the resulting
overlays, uploads and session report over a local control API.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default from GATEWATCH_LOG_LEVEL)")
	rootCmd.AddCommand(newRunCmd(), newAnalyzeCmd(), newSessionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
