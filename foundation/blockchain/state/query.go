package state

import (
	"time"

	"github.com/chaosmesh/ledger/foundation/blockchain/database"
	"github.com/chaosmesh/ledger/foundation/blockchain/genesis"
)

// QueryLatest represents to query the latest block in the chain.
const QueryLatest = ^uint64(0) >> 1

// Status is a point in time summary of the ledger.
type Status struct {
	Height          uint64         `json:"height"`
	Difficulty      uint64         `json:"difficulty"`
	LatestBlock     database.Block `json:"latest_block"`
	LastAdjustment  time.Time      `json:"last_adjustment"`
	TargetBlockTime uint64         `json:"target_block_time"`
	EpochLength     uint64         `json:"epoch_length"`
	NextRetarget    uint64         `json:"next_retarget"`
}

// =============================================================================

// Genesis returns a copy of the genesis information.
func (s *State) Genesis() genesis.Genesis {
	return s.genesis
}

// Difficulty returns the difficulty the next block must meet.
func (s *State) Difficulty() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.difficulty
}

// LatestBlock returns a copy of the current latest block.
func (s *State) LatestBlock() database.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.chain[len(s.chain)-1]
}

// Height returns the number of blocks in the chain, genesis included.
func (s *State) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return uint64(len(s.chain))
}

// Status returns a summary of the ledger.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	height := uint64(len(s.chain))
	epoch := s.genesis.EpochLength

	return Status{
		Height:          height,
		Difficulty:      s.difficulty,
		LatestBlock:     s.chain[len(s.chain)-1],
		LastAdjustment:  s.lastAdjustment,
		TargetBlockTime: s.genesis.TargetBlockTime,
		EpochLength:     epoch,
		NextRetarget:    epoch - height%epoch,
	}
}

// Blocks returns a copy of the whole chain.
func (s *State) Blocks() []database.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blocks := make([]database.Block, len(s.chain))
	copy(blocks, s.chain)

	return blocks
}

// QueryBlocksByNumber returns a copy of the blocks from index from to index
// to inclusive. QueryLatest may be used for either bound. Bounds past the end
// of the chain are clamped.
func (s *State) QueryBlocksByNumber(from uint64, to uint64) []database.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := uint64(len(s.chain) - 1)

	if from == QueryLatest {
		from = last
	}
	if to == QueryLatest || to > last {
		to = last
	}

	if from > to {
		return nil
	}

	blocks := make([]database.Block, to-from+1)
	copy(blocks, s.chain[from:to+1])

	return blocks
}
