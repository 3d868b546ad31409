// Package database defines the persisted shape of the ledger and the storage
// behavior required to read and write it.
package database

import (
	"errors"
	"fmt"
	"time"
)

// Set of errors returned by storage implementations.
var (
	ErrNotFound = errors.New("ledger not found")
	ErrCorrupt  = errors.New("ledger corrupt")
)

// Storage interface represents the behavior required to be implemented by any
// package providing support for storing and reading the ledger. Load returns
// ErrNotFound when nothing has been stored yet and ErrCorrupt when what is
// stored can't be decoded.
type Storage interface {
	Load() (Ledger, error)
	Save(ledger Ledger) error
	Close() error
}

// =============================================================================

// Ledger is the whole persisted state: the chain and the difficulty that
// applies to the next block.
type Ledger struct {
	Chain              []Block `json:"chain"`
	Difficulty         uint64  `json:"difficulty"`
	LastAdjustmentTime float64 `json:"last_adjustment_time"`
}

// Copy returns a ledger that shares no memory with the original.
func (l Ledger) Copy() Ledger {
	chain := make([]Block, len(l.Chain))
	copy(chain, l.Chain)

	return Ledger{
		Chain:              chain,
		Difficulty:         l.Difficulty,
		LastAdjustmentTime: l.LastAdjustmentTime,
	}
}

// LatestBlock returns the last block of the chain.
func (l Ledger) LatestBlock() Block {
	if len(l.Chain) == 0 {
		return Block{}
	}
	return l.Chain[len(l.Chain)-1]
}

// Validate checks the ledger is internally consistent: a genesis block at
// index zero, contiguous indexes, every block linked to its predecessor and a
// positive difficulty. Every failure wraps ErrCorrupt.
func (l Ledger) Validate() error {
	if len(l.Chain) == 0 {
		return fmt.Errorf("%w: empty chain", ErrCorrupt)
	}

	if l.Difficulty == 0 {
		return fmt.Errorf("%w: difficulty is zero", ErrCorrupt)
	}

	if !l.Chain[0].IsGenesis() {
		return fmt.Errorf("%w: block 0 is not a genesis block", ErrCorrupt)
	}

	for i := 1; i < len(l.Chain); i++ {
		if err := l.Chain[i].ValidateLink(l.Chain[i-1]); err != nil {
			return fmt.Errorf("%w: %s", ErrCorrupt, err)
		}
	}

	return nil
}

// =============================================================================

// Seconds converts a time to floating point seconds since the unix epoch, the
// unit timestamps are persisted in.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromSeconds converts floating point seconds since the unix epoch to a time.
func FromSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second))).UTC()
}
