package cmd

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/chaosmesh/ledger/app/tooling/admin/commands"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	binOut  string
	jsonOut string
)

var exportBinCmd = &cobra.Command{
	Use:   "export-bin",
	Short: "Write the raw entropy of every block to a binary file.",
	Run:   exportBinRun,
}

var exportJSONCmd = &cobra.Command{
	Use:   "export-json",
	Short: "Write the ledger in the ledger file format.",
	Run:   exportJSONRun,
}

func init() {
	rootCmd.AddCommand(exportBinCmd)
	rootCmd.AddCommand(exportJSONCmd)
	exportBinCmd.Flags().StringVarP(&binOut, "out", "o", "random.bin", "Path of the binary file.")
	exportJSONCmd.Flags().StringVarP(&jsonOut, "out", "o", "", "Path of the json file, stdout by default.")
}

func exportBinRun(cmd *cobra.Command, args []string) {
	ledger, err := loadLedger()
	if err != nil {
		log.Fatal(err)
	}

	f, err := os.Create(binOut)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	written, skipped, err := commands.ExportBin(f, ledger)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("%s %d blocks, %d bytes written to %s, %d skipped\n",
		color.GreenString("Done:"), len(ledger.Chain), written, binOut, skipped)
}

func exportJSONRun(cmd *cobra.Command, args []string) {
	ledger, err := loadLedger()
	if err != nil {
		log.Fatal(err)
	}

	var w io.Writer = os.Stdout
	if jsonOut != "" {
		f, err := os.Create(jsonOut)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		w = f
	}

	if err := commands.ExportJSON(w, ledger); err != nil {
		log.Fatal(err)
	}
}
