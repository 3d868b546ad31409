// Package genesis maintains access to the genesis file.
package genesis

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Genesis represents the genesis file.
type Genesis struct {
	Date            time.Time `json:"date"`
	Entropy         string    `json:"entropy"`           // Entropy recorded in block 0.
	Difficulty      uint64    `json:"difficulty"`        // Difficulty the first block is mined at.
	MinDifficulty   uint64    `json:"min_difficulty"`    // Floor for downward retargets.
	TargetBlockTime uint64    `json:"target_block_time"` // Seconds between blocks the retarget aims for.
	EpochLength     uint64    `json:"epoch_length"`      // Chain lengths that are a multiple of this trigger a retarget.
}

// Default returns the genesis used when no genesis file is provided.
func Default() Genesis {
	return Genesis{
		Date:            time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		Entropy:         "GENESIS",
		Difficulty:      50,
		MinDifficulty:   1,
		TargetBlockTime: 10,
		EpochLength:     5,
	}
}

// TargetBlockDuration returns the target block time as a duration.
func (g Genesis) TargetBlockDuration() time.Duration {
	return time.Duration(g.TargetBlockTime) * time.Second
}

// Validate checks the genesis values can drive a ledger.
func (g Genesis) Validate() error {
	switch {
	case g.Entropy == "":
		return errors.New("entropy is required")
	case g.MinDifficulty == 0:
		return errors.New("min_difficulty must be positive")
	case g.Difficulty < g.MinDifficulty:
		return fmt.Errorf("difficulty %d below min_difficulty %d", g.Difficulty, g.MinDifficulty)
	case g.TargetBlockTime == 0:
		return errors.New("target_block_time must be positive")
	case g.EpochLength == 0:
		return errors.New("epoch_length must be positive")
	}
	return nil
}

// =============================================================================

// Load opens and consumes the genesis file. Fields missing from the file keep
// their default values.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}

	genesis := Default()
	if err := json.Unmarshal(content, &genesis); err != nil {
		return Genesis{}, err
	}

	if err := genesis.Validate(); err != nil {
		return Genesis{}, fmt.Errorf("genesis %s: %w", path, err)
	}

	return genesis, nil
}
