// Package disk implements the ability to read and write the ledger to a
// single JSON document on disk.
package disk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/chaosmesh/ledger/foundation/blockchain/database"
)

// Disk represents the serialization implementation for reading and storing
// the ledger as one indented JSON file. Every save rewrites the whole file.
// This implements the database.Storage interface.
type Disk struct {
	mu   sync.Mutex
	path string
}

// New constructs a Disk value for use. The parent directory is created if it
// doesn't exist.
func New(path string) (*Disk, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	return &Disk{path: path}, nil
}

// Close in this implementation has nothing to do since the file is opened
// and closed on every operation.
func (d *Disk) Close() error {
	return nil
}

// Load reads and decodes the ledger file.
func (d *Disk) Load() (database.Ledger, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return database.Ledger{}, database.ErrNotFound
		}
		return database.Ledger{}, err
	}

	var ledger database.Ledger
	if err := json.Unmarshal(data, &ledger); err != nil {
		return database.Ledger{}, fmt.Errorf("%w: %s", database.ErrCorrupt, err)
	}

	return ledger, nil
}

// Save writes the ledger to a temporary file next to the ledger file and
// renames it into place, so a reader never sees a partial document.
func (d *Disk) Save(ledger database.Ledger) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Marshal the ledger in a human readable format.
	data, err := json.MarshalIndent(ledger, "", "    ")
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(d.path), filepath.Base(d.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	if err := writeAndClose(f, data); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, d.path); err != nil {
		os.Remove(tmp)
		return err
	}

	return nil
}

func writeAndClose(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}
