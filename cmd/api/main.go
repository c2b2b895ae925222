// Command api runs the escrow and ledger service.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "api",
	Short: "Escrow and ledger service for the freelance marketplace",
	Long: `Runs the escrow state machine, the balance ledger and the payment
gateway bridge behind an HTTP API. With no subcommand it serves.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
