package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/folio-ai/folio/cmd/folio/commands"
	"github.com/folio-ai/folio/logger"
)

var rootCmd = &cobra.Command{
	Use:   "folio",
	Short: "Folio - generative image and animation orchestrator",
	Long: `Folio - generation job orchestrator for a ComfyUI worker.

Folio accepts image and animation requests, schedules them on a
priority queue backed by an append-only log, drives the ComfyUI
worker one job at a time, and stores the resulting artifacts.

Available commands:
  serve   - Start the API server and scheduler
  queue   - Inspect and maintain the persistent queue
  version - Show version information

Examples:
  folio serve              # Start in the foreground
  folio queue status       # Show pending and running jobs
  folio queue compact      # Rewrite the queue log`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
