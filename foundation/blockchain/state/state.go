// Package state is the core API for the ledger and implements all the
// business rules for appending blocks and retargeting difficulty.
package state

import (
	"errors"
	"sync"
	"time"

	"github.com/chaosmesh/ledger/foundation/blockchain/database"
	"github.com/chaosmesh/ledger/foundation/blockchain/genesis"
)

// ErrDuplicateBlock is returned when a hash is already part of the chain.
var ErrDuplicateBlock = errors.New("block already in chain")

// EventHandler defines a function that is called when events
// occur in the processing of persisting blocks.
type EventHandler func(v string, args ...any)

// =============================================================================

// Config represents the configuration required to start the ledger.
type Config struct {
	Genesis   genesis.Genesis
	Storage   database.Storage
	EvHandler EventHandler
	Now       func() time.Time // Defaults to time.Now.
}

// State manages the chain and the difficulty. Appending a block, the
// retarget that may follow it and persisting both happen under one lock.
type State struct {
	mu sync.RWMutex

	genesis   genesis.Genesis
	storage   database.Storage
	evHandler EventHandler
	now       func() time.Time

	chain          []database.Block
	hashes         map[string]struct{}
	difficulty     uint64
	lastAdjustment time.Time
}

// New constructs the ledger state, loading the chain from storage or
// creating a genesis block when there is nothing usable stored.
func New(cfg Config) (*State, error) {
	if err := cfg.Genesis.Validate(); err != nil {
		return nil, err
	}

	if cfg.Storage == nil {
		return nil, errors.New("storage is required")
	}

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	state := State{
		genesis:   cfg.Genesis,
		storage:   cfg.Storage,
		evHandler: ev,
		now:       now,
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	state.load()

	return &state, nil
}

// Shutdown cleanly brings the ledger down.
func (s *State) Shutdown() error {
	s.evHandler("state: shutdown: started")
	defer s.evHandler("state: shutdown: completed")

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.storage.Close()
}

// =============================================================================

// load reads the ledger from storage. Anything unusable is treated as absent
// and replaced by a fresh genesis. The caller must hold the lock.
func (s *State) load() {
	ledger, err := s.storage.Load()
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.evHandler("state: load: no ledger stored: creating genesis")
		} else {
			s.evHandler("state: load: ERROR: %s: regenerating genesis", err)
		}
		s.createGenesis()
		return
	}

	if err := ledger.Validate(); err != nil {
		s.evHandler("state: load: ERROR: %s: regenerating genesis", err)
		s.createGenesis()
		return
	}

	s.chain = ledger.Chain
	s.difficulty = ledger.Difficulty
	s.lastAdjustment = database.FromSeconds(ledger.LastAdjustmentTime)

	s.hashes = make(map[string]struct{}, len(s.chain))
	for _, block := range s.chain {
		s.hashes[block.Hash] = struct{}{}
	}

	s.evHandler("state: load: blocks[%d]: difficulty[%d]", len(s.chain), s.difficulty)

	// Older ledger files carry no retarget time. The current epoch starts now.
	if ledger.LastAdjustmentTime == 0 {
		s.lastAdjustment = s.now()
		s.evHandler("state: load: no retarget time stored: starting epoch now")
		s.persist("load")
	}
}

// createGenesis resets the ledger to a single genesis block. The caller must
// hold the lock.
func (s *State) createGenesis() {
	now := s.now()
	block := database.NewGenesisBlock(s.genesis, now)

	s.chain = []database.Block{block}
	s.hashes = map[string]struct{}{block.Hash: {}}
	s.difficulty = s.genesis.Difficulty
	s.lastAdjustment = now

	s.evHandler("state: createGenesis: difficulty[%d]", s.difficulty)

	s.persist("createGenesis")
}

// persist saves the whole ledger. A failure is reported and the in-memory
// ledger carries on. The caller must hold the lock.
func (s *State) persist(caller string) {
	ledger := database.Ledger{
		Chain:              s.chain,
		Difficulty:         s.difficulty,
		LastAdjustmentTime: database.Seconds(s.lastAdjustment),
	}

	if err := s.storage.Save(ledger); err != nil {
		s.evHandler("state: %s: ERROR: persisting ledger: %s", caller, err)
	}
}
