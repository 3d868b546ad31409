// Package sqlite implements the ability to read and write the ledger to a
// SQLite database. Unlike the disk storage only blocks that aren't stored
// yet are written on save.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/chaosmesh/ledger/foundation/blockchain/database"
	_ "github.com/mattn/go-sqlite3"
)

// SQLite represents the serialization implementation for reading and storing
// the ledger in a SQLite database. This implements the database.Storage
// interface.
type SQLite struct {
	mu sync.Mutex
	db *sql.DB
}

// New opens the database at path, creating and migrating it as needed.
func New(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// A single connection keeps in-memory databases shared across calls.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Version returns the schema version of the database.
func (s *SQLite) Version() (int, error) {
	return schemaVersion(s.db)
}

// Load reads the ledger back from the database.
func (s *SQLite) Load() (database.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ledger database.Ledger
	row := s.db.QueryRow("SELECT difficulty, last_adjustment_time FROM ledger_meta WHERE id = 1")
	if err := row.Scan(&ledger.Difficulty, &ledger.LastAdjustmentTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Ledger{}, database.ErrNotFound
		}
		return database.Ledger{}, err
	}

	rows, err := s.db.Query("SELECT idx, timestamp, entropy, nonce, hash, previous_hash FROM blocks ORDER BY idx")
	if err != nil {
		return database.Ledger{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var b database.Block
		var nonce int64
		if err := rows.Scan(&b.Index, &b.Timestamp, &b.Entropy, &nonce, &b.Hash, &b.PreviousHash); err != nil {
			return database.Ledger{}, fmt.Errorf("%w: %s", database.ErrCorrupt, err)
		}
		b.Nonce = uint64(nonce)
		ledger.Chain = append(ledger.Chain, b)
	}

	if err := rows.Err(); err != nil {
		return database.Ledger{}, err
	}

	return ledger, nil
}

// Save writes the blocks that aren't stored yet and the difficulty row in
// one transaction. When the stored chain is not a prefix of the ledger's
// chain, as after a genesis regeneration, the stored chain is replaced.
func (s *SQLite) Save(ledger database.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	from, err := storedPrefix(tx, ledger.Chain)
	if err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM blocks WHERE idx >= ?", from); err != nil {
		return fmt.Errorf("trimming blocks: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO blocks (idx, timestamp, entropy, nonce, hash, previous_hash) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range ledger.Chain[from:] {
		if _, err := stmt.Exec(b.Index, b.Timestamp, b.Entropy, int64(b.Nonce), b.Hash, b.PreviousHash); err != nil {
			return fmt.Errorf("inserting block %d: %w", b.Index, err)
		}
	}

	const upsert = `INSERT INTO ledger_meta (id, difficulty, last_adjustment_time) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET difficulty = excluded.difficulty, last_adjustment_time = excluded.last_adjustment_time`
	if _, err := tx.Exec(upsert, ledger.Difficulty, ledger.LastAdjustmentTime); err != nil {
		return fmt.Errorf("updating ledger_meta: %w", err)
	}

	return tx.Commit()
}

// storedPrefix returns how many leading blocks of chain are already stored.
// Only the last stored block is compared; the chain is append only between
// regenerations and a regeneration always changes the genesis timestamp.
func storedPrefix(tx *sql.Tx, chain []database.Block) (int, error) {
	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM blocks").Scan(&count); err != nil {
		return 0, err
	}

	if count == 0 || count > len(chain) {
		return 0, nil
	}

	var hash string
	var timestamp float64
	row := tx.QueryRow("SELECT hash, timestamp FROM blocks WHERE idx = ?", count-1)
	if err := row.Scan(&hash, &timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}

	last := chain[count-1]
	if last.Hash != hash || last.Timestamp != timestamp {
		return 0, nil
	}

	return count, nil
}
