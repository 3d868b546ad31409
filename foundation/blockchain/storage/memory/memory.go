// Package memory implements the ability to read and write the ledger to
// memory.
package memory

import (
	"sync"

	"github.com/chaosmesh/ledger/foundation/blockchain/database"
)

// Memory represents the serialization implementation for reading and storing
// the ledger in memory. This implements the database.Storage interface.
type Memory struct {
	mu     sync.RWMutex
	ledger *database.Ledger
	saves  int
}

// New constructs a Memory value for use.
func New() (*Memory, error) {
	return &Memory{}, nil
}

// Close in this implementation has nothing to do since everything
// is in memory.
func (m *Memory) Close() error {
	return nil
}

// Load returns a copy of the last saved ledger.
func (m *Memory) Load() (database.Ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ledger == nil {
		return database.Ledger{}, database.ErrNotFound
	}

	return m.ledger.Copy(), nil
}

// Save stores a copy of the ledger.
func (m *Memory) Save(ledger database.Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := ledger.Copy()
	m.ledger = &l
	m.saves++

	return nil
}

// Saves returns the number of times the ledger was saved.
func (m *Memory) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.saves
}
