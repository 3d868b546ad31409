package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/chaosmesh/ledger/foundation/blockchain/genesis"
)

// Genesis block constants.
var (
	GenesisHash         = strings.Repeat("0", 64)
	GenesisPreviousHash = "0"
)

// Block represents one accepted proof of work. The field order is the order
// the fields are persisted in.
type Block struct {
	Index        uint64  `json:"index"`
	Timestamp    float64 `json:"timestamp"`
	Entropy      string  `json:"entropy"`
	Nonce        uint64  `json:"nonce"`
	Hash         string  `json:"hash"`
	PreviousHash string  `json:"previous_hash"`
}

// NewGenesisBlock constructs the first block of a chain.
func NewGenesisBlock(gen genesis.Genesis, now time.Time) Block {
	return Block{
		Index:        0,
		Timestamp:    Seconds(now),
		Entropy:      gen.Entropy,
		Nonce:        0,
		Hash:         GenesisHash,
		PreviousHash: GenesisPreviousHash,
	}
}

// NewBlock constructs the block that follows prev.
func NewBlock(prev Block, entropy string, nonce uint64, hash string, now time.Time) Block {
	return Block{
		Index:        prev.Index + 1,
		Timestamp:    Seconds(now),
		Entropy:      entropy,
		Nonce:        nonce,
		Hash:         hash,
		PreviousHash: prev.Hash,
	}
}

// IsGenesis reports whether the block has the shape of a genesis block.
func (b Block) IsGenesis() bool {
	return b.Index == 0 && b.Hash == GenesisHash && b.PreviousHash == GenesisPreviousHash
}

// Time returns the acceptance time of the block.
func (b Block) Time() time.Time {
	return FromSeconds(b.Timestamp)
}

// ValidateLink checks the block directly follows the parent block.
func (b Block) ValidateLink(parent Block) error {
	if b.Index != parent.Index+1 {
		return fmt.Errorf("block %d follows block %d", b.Index, parent.Index)
	}

	if b.PreviousHash != parent.Hash {
		return fmt.Errorf("block %d previous hash does not match parent hash", b.Index)
	}

	if b.Hash == "" {
		return fmt.Errorf("block %d has no hash", b.Index)
	}

	return nil
}
