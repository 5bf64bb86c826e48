// Package cmd implements the ledgerctl command tree.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ledger/internal/ctl/client"
	"github.com/telhawk-systems/telhawk-ledger/internal/ctl/output"
)

const defaultServerURL = "http://localhost:3000"

// NewRootCmd builds the full ledgerctl command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "TelHawk Ledger CLI",
		Long: `ledgerctl is the command-line interface for TelHawk Ledger.

Submit events, inspect raw submissions and normalized records, query
per-client aggregates and generate synthetic traffic.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverURL := os.Getenv("LEDGER_URL")
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	root.PersistentFlags().String("server", serverURL, "ledger base URL (env LEDGER_URL)")
	root.PersistentFlags().StringP("output", "o", "table", "output format: table, json, yaml")

	root.AddCommand(
		newIngestCmd(),
		newEventsCmd(),
		newAggregatesCmd(),
		newSeedCmd(),
	)
	return root
}

func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		output.Error(root.ErrOrStderr(), "%v", err)
		return err
	}
	return nil
}

func ledgerClient(cmd *cobra.Command) *client.LedgerClient {
	serverURL, _ := cmd.Flags().GetString("server")
	return client.NewLedgerClient(serverURL)
}

func outputFormat(cmd *cobra.Command) (output.Format, error) {
	f, _ := cmd.Flags().GetString("output")
	return output.ParseFormat(f)
}
