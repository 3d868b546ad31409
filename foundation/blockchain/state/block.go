package state

import (
	"fmt"
	"time"

	"github.com/chaosmesh/ledger/foundation/blockchain/database"
	"github.com/chaosmesh/ledger/foundation/blockchain/pow"
)

// AddBlock appends a block for a verified solution to the chain. The block
// takes the next index, links to the latest block and is stamped with the
// current time. When the new chain length is a multiple of the epoch length
// the difficulty is retargeted.
//
// difficulty is the difficulty the solution was verified against. If a
// retarget happened since, the digest value is checked again against the
// difficulty in force now and pow.ErrDifficultyNotMet is returned when it
// no longer qualifies.
func (s *State) AddBlock(entropy string, nonce uint64, hash string, difficulty uint64) (database.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.hashes[hash]; exists {
		return database.Block{}, fmt.Errorf("%w: %.32s", ErrDuplicateBlock, hash)
	}

	if difficulty != s.difficulty {
		if err := pow.CheckTarget(hash, s.difficulty); err != nil {
			return database.Block{}, fmt.Errorf("verified at difficulty %d, ledger at %d: %w", difficulty, s.difficulty, err)
		}
	}

	now := s.now()
	block := database.NewBlock(s.chain[len(s.chain)-1], entropy, nonce, hash, now)

	s.chain = append(s.chain, block)
	s.hashes[hash] = struct{}{}

	s.evHandler("state: AddBlock: ACCEPTED: index[%d]: nonce[%d]", block.Index, block.Nonce)

	s.persist("AddBlock")

	if uint64(len(s.chain))%s.genesis.EpochLength == 0 {
		s.adjustDifficulty(now)
	}

	return block, nil
}

// adjustDifficulty compares the time the last epoch took with the expected
// time. An epoch that ran in under half the expected time raises the
// difficulty by at least one; one that took over one and a half times the
// expected time lowers it, never below the minimum. The caller must hold the
// lock.
func (s *State) adjustDifficulty(now time.Time) {
	elapsed := now.Sub(s.lastAdjustment)
	expected := s.genesis.TargetBlockDuration() * time.Duration(s.genesis.EpochLength)

	old := s.difficulty
	next := retarget(old, s.genesis.MinDifficulty, elapsed, expected)

	s.lastAdjustment = now

	s.evHandler("state: adjustDifficulty: elapsed[%v]: expected[%v]: difficulty[%d->%d]", elapsed, expected, old, next)

	if next == old {
		return
	}

	s.difficulty = next
	s.persist("adjustDifficulty")
}

// retarget computes the difficulty for the next epoch.
func retarget(difficulty uint64, minimum uint64, elapsed time.Duration, expected time.Duration) uint64 {
	switch {
	case elapsed < expected/2:
		next := difficulty / 5 * 6
		next += difficulty % 5 * 6 / 5
		return max(difficulty+1, next)

	case elapsed > expected*3/2:
		next := difficulty / 5 * 4
		next += difficulty % 5 * 4 / 5
		return max(minimum, next)
	}

	return difficulty
}
