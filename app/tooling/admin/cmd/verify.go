package cmd

import (
	"log"
	"os"

	"github.com/chaosmesh/ledger/app/tooling/admin/commands"
	"github.com/chaosmesh/ledger/foundation/blockchain/pow"
	"github.com/spf13/cobra"
)

var (
	checkProofs    bool
	difficulty     uint64
	powTime        uint32
	powMemory      uint32
	powParallelism uint8
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the chain links and optionally re-verify every proof of work.",
	Run:   verifyRun,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	params := pow.DefaultParams()
	verifyCmd.Flags().BoolVarP(&checkProofs, "pow", "w", false, "Re-verify every proof of work.")
	verifyCmd.Flags().Uint64Var(&difficulty, "difficulty", 1, "Difficulty the proofs are checked against.")
	verifyCmd.Flags().Uint32Var(&powTime, "pow-time", params.Time, "Argon2id time cost the ledger runs with.")
	verifyCmd.Flags().Uint32Var(&powMemory, "pow-memory", params.Memory, "Argon2id memory cost in KiB the ledger runs with.")
	verifyCmd.Flags().Uint8Var(&powParallelism, "pow-parallelism", params.Parallelism, "Argon2id parallelism the ledger runs with.")
}

func verifyRun(cmd *cobra.Command, args []string) {
	ledger, err := loadLedger()
	if err != nil {
		log.Fatal(err)
	}

	var verifier commands.Verifier
	if checkProofs {
		params := pow.DefaultParams()
		params.Time = powTime
		params.Memory = powMemory
		params.Parallelism = powParallelism

		engine, err := pow.New(pow.Config{Params: params})
		if err != nil {
			log.Fatal(err)
		}
		verifier = engine
	}

	rpt := commands.Verify(os.Stdout, ledger, verifier, difficulty)
	if len(rpt.Failures) > 0 {
		os.Exit(1)
	}
}
