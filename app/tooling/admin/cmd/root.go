// Package cmd contains the admin app commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/chaosmesh/ledger/app/tooling/admin/commands"
	"github.com/chaosmesh/ledger/foundation/blockchain/database"
	"github.com/spf13/cobra"
)

var (
	storageKind string
	dbPath      string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&storageKind, "storage", "s", "disk", "Storage kind, disk or sqlite.")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "zblock/ledger.json", "Path to the stored ledger.")
}

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "Inspect, verify and export a stored ledger",
}

// Execute runs the admin command selected on the command line.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// loadLedger opens the configured storage and reads the ledger out of it.
func loadLedger() (database.Ledger, error) {
	strg, err := commands.Open(storageKind, dbPath)
	if err != nil {
		return database.Ledger{}, err
	}
	defer strg.Close()

	ledger, err := strg.Load()
	if err != nil {
		return database.Ledger{}, fmt.Errorf("loading %s: %w", dbPath, err)
	}

	return ledger, nil
}
