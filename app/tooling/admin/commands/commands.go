// Package commands implements the admin operations over a stored ledger.
package commands

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/chaosmesh/ledger/foundation/blockchain/database"
	"github.com/chaosmesh/ledger/foundation/blockchain/storage/disk"
	"github.com/chaosmesh/ledger/foundation/blockchain/storage/sqlite"
	"github.com/fatih/color"
)

// Open constructs the storage kind at path.
func Open(kind string, path string) (database.Storage, error) {
	switch kind {
	case "disk":
		return disk.New(path)
	case "sqlite":
		return sqlite.New(path)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", kind)
	}
}

// Status prints a summary of the ledger.
func Status(w io.Writer, ledger database.Ledger) error {
	latest := ledger.LatestBlock()

	fmt.Fprintf(w, "Height:         %d\n", len(ledger.Chain))
	fmt.Fprintf(w, "Difficulty:     %d\n", ledger.Difficulty)
	fmt.Fprintf(w, "LastAdjustment: %s\n", database.FromSeconds(ledger.LastAdjustmentTime).UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "LatestIndex:    %d\n", latest.Index)
	fmt.Fprintf(w, "LatestHash:     %s\n", latest.Hash)

	return nil
}

// Blocks prints the blocks from index from to index to inclusive.
func Blocks(w io.Writer, ledger database.Ledger, from uint64, to uint64) error {
	if len(ledger.Chain) == 0 {
		return nil
	}

	last := uint64(len(ledger.Chain) - 1)
	to = min(to, last)
	if from > to {
		return fmt.Errorf("from %d past to %d", from, to)
	}

	for _, b := range ledger.Chain[from : to+1] {
		fmt.Fprintf(w, "%s %s nonce[%d] entropy[%.16s] hash[%.48s]\n",
			color.CyanString("#%d", b.Index), b.Time().UTC().Format(time.RFC3339), b.Nonce, b.Entropy, b.Hash)
	}

	return nil
}

// =============================================================================

// Verifier re-checks proofs of work.
type Verifier interface {
	Verify(entropy string, nonce uint64, encodedHash string, difficulty uint64) error
}

// Report is the outcome of a verification run.
type Report struct {
	Blocks   int
	Links    int
	Proofs   int
	Failures []string
}

// Verify checks every block links to its parent. When verifier is not nil
// every non genesis hash is also re-verified at the given difficulty.
// Difficulty 1 checks the hashes without checking the work.
func Verify(w io.Writer, ledger database.Ledger, verifier Verifier, difficulty uint64) Report {
	var rpt Report

	for i, b := range ledger.Chain {
		rpt.Blocks++

		if i == 0 {
			if !b.IsGenesis() {
				rpt.Failures = append(rpt.Failures, "block 0: not a genesis block")
			}
			continue
		}

		if err := b.ValidateLink(ledger.Chain[i-1]); err != nil {
			rpt.Failures = append(rpt.Failures, fmt.Sprintf("block %d: %s", b.Index, err))
		} else {
			rpt.Links++
		}

		if verifier == nil {
			continue
		}

		if err := verifier.Verify(b.Entropy, b.Nonce, b.Hash, difficulty); err != nil {
			rpt.Failures = append(rpt.Failures, fmt.Sprintf("block %d: %s", b.Index, err))
			continue
		}
		rpt.Proofs++
	}

	for _, f := range rpt.Failures {
		fmt.Fprintln(w, color.RedString("FAIL"), f)
	}

	switch len(rpt.Failures) {
	case 0:
		fmt.Fprintf(w, "%s blocks[%d] links[%d] proofs[%d]\n", color.GreenString("OK"), rpt.Blocks, rpt.Links, rpt.Proofs)
	default:
		fmt.Fprintf(w, "%s blocks[%d] failures[%d]\n", color.RedString("FAILED"), rpt.Blocks, len(rpt.Failures))
	}

	return rpt
}

// =============================================================================

// ExportBin writes the raw entropy bytes of every block, in chain order, for
// statistical test suites. Entropy that isn't hex, like the genesis marker,
// is skipped.
func ExportBin(w io.Writer, ledger database.Ledger) (written int, skipped int, err error) {
	for _, b := range ledger.Chain {
		data, err := hex.DecodeString(b.Entropy)
		if err != nil {
			skipped++
			continue
		}

		n, err := w.Write(data)
		written += n
		if err != nil {
			return written, skipped, err
		}
	}

	if written == 0 {
		return 0, skipped, errors.New("no hex entropy in ledger")
	}

	return written, skipped, nil
}

// ExportJSON writes the ledger in the ledger file format.
func ExportJSON(w io.Writer, ledger database.Ledger) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")

	return enc.Encode(ledger)
}
