package cmd

import (
	"log"
	"os"

	"github.com/chaosmesh/ledger/app/tooling/admin/commands"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a summary of the ledger.",
	Run:   statusRun,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusRun(cmd *cobra.Command, args []string) {
	ledger, err := loadLedger()
	if err != nil {
		log.Fatal(err)
	}

	if err := commands.Status(os.Stdout, ledger); err != nil {
		log.Fatal(err)
	}
}
