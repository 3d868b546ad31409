package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
)

// migrations are applied in order; the index of a migration is the schema
// version it produces. Never edit an applied migration, append a new one.
var migrations = []func(tx *sql.Tx) error{

	// v0: blocks and the single row of ledger metadata.
	func(tx *sql.Tx) error {
		if _, err := tx.Exec(`CREATE TABLE blocks (
			idx           INTEGER PRIMARY KEY,
			timestamp     REAL NOT NULL,
			entropy       TEXT NOT NULL,
			nonce         INTEGER NOT NULL,
			hash          TEXT NOT NULL,
			previous_hash TEXT NOT NULL
		)`); err != nil {
			return fmt.Errorf("creating 'blocks' table: %w", err)
		}

		if _, err := tx.Exec(`CREATE TABLE ledger_meta (
			id                   INTEGER PRIMARY KEY CHECK (id = 1),
			difficulty           INTEGER NOT NULL,
			last_adjustment_time REAL NOT NULL
		)`); err != nil {
			return fmt.Errorf("creating 'ledger_meta' table: %w", err)
		}

		return nil
	},

	// v1: hash lookups for replay detection and the admin tooling.
	func(tx *sql.Tx) error {
		if _, err := tx.Exec(`CREATE UNIQUE INDEX idx_blocks_hash ON blocks (hash)`); err != nil {
			return fmt.Errorf("creating 'idx_blocks_hash' index: %w", err)
		}
		return nil
	},
}

func schemaVersion(db *sql.DB) (int, error) {
	version := -1

	row := db.QueryRow("SELECT version FROM ledger_version ORDER BY version DESC LIMIT 1")
	if err := row.Scan(&version); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return -1, fmt.Errorf("checking database version: %w", err)
	}

	return version, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS ledger_version (version INTEGER)"); err != nil {
		return fmt.Errorf("creating 'ledger_version' table: %w", err)
	}

	version, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for i := version + 1; i < len(migrations); i++ {
		if err := apply(db, i, migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}

	return nil
}

func apply(db *sql.DB, version int, migrateFn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := migrateFn(tx); err != nil {
		return err
	}

	if _, err := tx.Exec("INSERT INTO ledger_version (version) VALUES (?)", version); err != nil {
		return err
	}

	return tx.Commit()
}
