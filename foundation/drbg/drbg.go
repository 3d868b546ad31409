// Package drbg implements an HMAC-SHA256 deterministic random bit generator
// in the style of NIST SP 800-90A. It is reseeded from the operating system
// and provides forward secrecy between calls.
package drbg

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// seedSize is the number of bytes drawn from the seed source on
// instantiate and on every reseed.
const seedSize = 64

// DefaultReseedInterval is used when no reseed interval is configured.
const DefaultReseedInterval = time.Minute

// Config represents the configuration required to construct a DRBG.
type Config struct {
	ReseedInterval time.Duration
	Seed           io.Reader        // Defaults to crypto/rand.Reader.
	Now            func() time.Time // Defaults to time.Now.
}

// DRBG is a reseedable HMAC based generator. All access to the internal
// state is serialized by a single mutex.
type DRBG struct {
	mu             sync.Mutex
	k              []byte
	v              []byte
	lastReseed     time.Time
	reseedInterval time.Duration
	seed           io.Reader
	now            func() time.Time
}

// New constructs a generator, setting K to all zero bytes and V to all one
// bytes before mixing in seed material from the seed source.
func New(cfg Config) (*DRBG, error) {
	if cfg.ReseedInterval <= 0 {
		cfg.ReseedInterval = DefaultReseedInterval
	}
	if cfg.Seed == nil {
		cfg.Seed = rand.Reader
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	d := DRBG{
		k:              make([]byte, sha256.Size),
		v:              make([]byte, sha256.Size),
		reseedInterval: cfg.ReseedInterval,
		seed:           cfg.Seed,
		now:            cfg.Now,
	}
	for i := range d.v {
		d.v[i] = 0x01
	}

	seed, err := d.readSeed()
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	d.update(seed)
	d.lastReseed = d.now()

	return &d, nil
}

// Reseed mixes fresh seed material into the state. It is safe to call
// while other goroutines are reading random bytes.
func (d *DRBG) Reseed() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.reseed()
}

// RandomBytes returns n pseudorandom bytes. The state is advanced after the
// output is produced so the returned bytes can't be recomputed from the
// state that remains.
func (d *DRBG) RandomBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.New("negative byte count")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.now().Sub(d.lastReseed) > d.reseedInterval {
		if err := d.reseed(); err != nil {
			return nil, err
		}
	}

	out := make([]byte, 0, n+sha256.Size)
	for len(out) < n {
		d.v = d.hmac(d.k, d.v)
		out = append(out, d.v...)
	}

	// Forward secrecy: K and V change after the output is read out.
	d.update(nil)

	return out[:n], nil
}

// Read implements io.Reader so the generator can be handed to code that
// consumes a stream of random bytes.
func (d *DRBG) Read(p []byte) (int, error) {
	b, err := d.RandomBytes(len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// RandomHex returns n random bytes encoded as a hex string.
func (d *DRBG) RandomHex(n int) (string, error) {
	b, err := d.RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Uint64 returns a random 64 bit value.
func (d *DRBG) Uint64() (uint64, error) {
	b, err := d.RandomBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// =============================================================================

// reseed must be called with the mutex held.
func (d *DRBG) reseed() error {
	seed, err := d.readSeed()
	if err != nil {
		return fmt.Errorf("reseed: %w", err)
	}

	d.update(seed)
	d.lastReseed = d.now()

	return nil
}

func (d *DRBG) readSeed() ([]byte, error) {
	seed := make([]byte, seedSize)
	if _, err := io.ReadFull(d.seed, seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// update is the HMAC_DRBG update function. The provided data is mixed in a
// second time when it is not empty.
func (d *DRBG) update(provided []byte) {
	d.k = d.hmac(d.k, concat(d.v, 0x00, provided))
	d.v = d.hmac(d.k, d.v)

	if len(provided) == 0 {
		return
	}

	d.k = d.hmac(d.k, concat(d.v, 0x01, provided))
	d.v = d.hmac(d.k, d.v)
}

func (d *DRBG) hmac(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func concat(v []byte, sep byte, provided []byte) []byte {
	b := make([]byte, 0, len(v)+1+len(provided))
	b = append(b, v...)
	b = append(b, sep)
	return append(b, provided...)
}
