package cmd

import (
	"log"
	"math"
	"os"
	"strconv"

	"github.com/chaosmesh/ledger/app/tooling/admin/commands"
	"github.com/spf13/cobra"
)

var blocksCmd = &cobra.Command{
	Use:   "blocks [from] [to]",
	Short: "Print the blocks in the index range, the whole chain by default.",
	Args:  cobra.MaximumNArgs(2),
	Run:   blocksRun,
}

func init() {
	rootCmd.AddCommand(blocksCmd)
}

func blocksRun(cmd *cobra.Command, args []string) {
	var from uint64
	to := uint64(math.MaxUint64)

	var err error
	if len(args) > 0 {
		if from, err = strconv.ParseUint(args[0], 10, 64); err != nil {
			log.Fatalf("from: %s", err)
		}
	}
	if len(args) > 1 {
		if to, err = strconv.ParseUint(args[1], 10, 64); err != nil {
			log.Fatalf("to: %s", err)
		}
	}

	ledger, err := loadLedger()
	if err != nil {
		log.Fatal(err)
	}

	if err := commands.Blocks(os.Stdout, ledger, from, to); err != nil {
		log.Fatal(err)
	}
}
