// Package pow implements the memory-hard proof of work used to admit blocks
// into the ledger. A solution is an argon2id digest of entropy||nonce whose
// big-endian value is at or below floor(MAX/difficulty).
package pow

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/argon2"
)

// Set of error variables for verification.
var (
	ErrHashInvalid       = errors.New("hash cryptographically invalid")
	ErrDifficultyNotMet  = errors.New("difficulty not met")
	ErrInvalidDifficulty = errors.New("difficulty must be positive")
)

// EventHandler defines a function that is called when events
// occur while mining.
type EventHandler func(v string, args ...any)

// Params are the argon2id cost parameters. Memory is in KiB.
type Params struct {
	Time        uint32
	Memory      uint32
	Parallelism uint8
	HashLen     uint32
	SaltLen     uint32
}

// DefaultParams returns the production cost parameters: two passes over
// 64 MiB with a single lane and a 32 byte output.
func DefaultParams() Params {
	return Params{
		Time:        2,
		Memory:      64 * 1024,
		Parallelism: 1,
		HashLen:     32,
		SaltLen:     16,
	}
}

// Validate checks the parameters can drive argon2id and a 256 bit target.
func (p Params) Validate() error {
	switch {
	case p.Time < 1:
		return errors.New("time cost must be at least 1")
	case p.Parallelism < 1:
		return errors.New("parallelism must be at least 1")
	case p.Memory < 8*uint32(p.Parallelism):
		return fmt.Errorf("memory cost must be at least %d KiB", 8*uint32(p.Parallelism))
	case p.HashLen < 4 || p.HashLen > 32:
		return errors.New("hash length must be between 4 and 32 bytes")
	case p.SaltLen < minSaltLen:
		return fmt.Errorf("salt length must be at least %d bytes", minSaltLen)
	}
	return nil
}

// =============================================================================

// Config represents the configuration required to construct an Engine.
type Config struct {
	Params    Params
	Salt      io.Reader // Defaults to crypto/rand.Reader.
	EvHandler EventHandler
}

// Engine mines and verifies solutions. An Engine is safe for concurrent use
// as long as its salt reader is.
type Engine struct {
	params    Params
	salt      io.Reader
	max       uint256.Int
	evHandler EventHandler
}

// Solution is a mined nonce together with its encoded digest.
type Solution struct {
	Hash     string
	Nonce    uint64
	Attempts uint64
}

// New constructs a proof of work engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Salt == nil {
		cfg.Salt = rand.Reader
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	e := Engine{
		params:    cfg.Params,
		salt:      cfg.Salt,
		evHandler: ev,
	}
	e.max = maxValue(cfg.Params.HashLen)

	return &e, nil
}

// Max returns MAX = 2^(8*HashLen) - 1.
func (e *Engine) Max() *uint256.Int {
	return new(uint256.Int).Set(&e.max)
}

// Target returns floor(MAX/difficulty).
func (e *Engine) Target(difficulty uint64) (*uint256.Int, error) {
	if difficulty == 0 {
		return nil, ErrInvalidDifficulty
	}
	return new(uint256.Int).Div(&e.max, uint256.NewInt(difficulty)), nil
}

// Mine searches nonces from zero upward until a digest meets the target for
// the difficulty. The search is unbounded; ctx is the only way to stop it.
func (e *Engine) Mine(ctx context.Context, entropy string, difficulty uint64) (Solution, error) {
	target, err := e.Target(difficulty)
	if err != nil {
		return Solution{}, err
	}

	e.evHandler("pow: Mine: MINING: started: difficulty[%d]", difficulty)
	defer e.evHandler("pow: Mine: MINING: completed")

	var value uint256.Int
	for nonce := uint64(0); ; nonce++ {
		if ctx.Err() != nil {
			e.evHandler("pow: Mine: MINING: CANCELLED: attempts[%d]", nonce)
			return Solution{}, ctx.Err()
		}

		enc, err := e.hash(entropy, nonce)
		if err != nil {
			return Solution{}, err
		}

		value.SetBytes(enc.hash)
		if value.Gt(target) {
			if (nonce+1)%100 == 0 {
				e.evHandler("pow: Mine: MINING: attempts[%d]", nonce+1)
			}
			continue
		}

		e.evHandler("pow: Mine: MINING: SOLVED: nonce[%d]: attempts[%d]", nonce, nonce+1)

		sol := Solution{
			Hash:     enc.String(),
			Nonce:    nonce,
			Attempts: nonce + 1,
		}
		return sol, nil
	}
}

// Verify checks the encoded digest against the entropy, nonce and
// difficulty. It returns ErrDifficultyNotMet when the digest value is above
// the target and ErrHashInvalid when the digest doesn't decode or doesn't
// bind to the inputs. The cheap target check runs before the digest is
// recomputed.
func (e *Engine) Verify(entropy string, nonce uint64, encodedHash string, difficulty uint64) error {
	target, err := e.Target(difficulty)
	if err != nil {
		return err
	}

	enc, err := decode(encodedHash)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrHashInvalid, err)
	}

	if !enc.matches(e.params) {
		return fmt.Errorf("%w: cost parameters m=%d,t=%d,p=%d,len=%d not accepted", ErrHashInvalid, enc.memory, enc.time, enc.parallelism, len(enc.hash))
	}

	if new(uint256.Int).SetBytes(enc.hash).Gt(target) {
		return ErrDifficultyNotMet
	}

	raw := argon2.IDKey(candidate(entropy, nonce), enc.salt, e.params.Time, e.params.Memory, e.params.Parallelism, e.params.HashLen)
	if subtle.ConstantTimeCompare(raw, enc.hash) != 1 {
		return fmt.Errorf("%w: digest does not match inputs", ErrHashInvalid)
	}

	return nil
}

// Valid reports whether Verify accepts the solution.
func (e *Engine) Valid(entropy string, nonce uint64, encodedHash string, difficulty uint64) bool {
	return e.Verify(entropy, nonce, encodedHash, difficulty) == nil
}

// Value decodes an encoded digest into its big-endian integer value.
func Value(encodedHash string) (*uint256.Int, error) {
	enc, err := decode(encodedHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHashInvalid, err)
	}
	return new(uint256.Int).SetBytes(enc.hash), nil
}

// CheckTarget repeats only the cheap half of Verify: the digest value must be
// at or below floor(MAX/difficulty), with MAX taken from the digest length.
// It is meant for digests Verify already accepted at another difficulty.
func CheckTarget(encodedHash string, difficulty uint64) error {
	if difficulty == 0 {
		return ErrInvalidDifficulty
	}

	enc, err := decode(encodedHash)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrHashInvalid, err)
	}

	limit := maxValue(uint32(len(enc.hash)))
	target := new(uint256.Int).Div(&limit, uint256.NewInt(difficulty))

	if new(uint256.Int).SetBytes(enc.hash).Gt(target) {
		return ErrDifficultyNotMet
	}

	return nil
}

// =============================================================================

func (e *Engine) hash(entropy string, nonce uint64) (encoded, error) {
	salt := make([]byte, e.params.SaltLen)
	if _, err := io.ReadFull(e.salt, salt); err != nil {
		return encoded{}, fmt.Errorf("reading salt: %w", err)
	}

	raw := argon2.IDKey(candidate(entropy, nonce), salt, e.params.Time, e.params.Memory, e.params.Parallelism, e.params.HashLen)

	enc := encoded{
		version:     argon2.Version,
		memory:      e.params.Memory,
		time:        e.params.Time,
		parallelism: e.params.Parallelism,
		salt:        salt,
		hash:        raw,
	}
	return enc, nil
}

// candidate is the puzzle input: the entropy followed by the decimal nonce.
func candidate(entropy string, nonce uint64) []byte {
	return strconv.AppendUint([]byte(entropy), nonce, 10)
}

func maxValue(hashLen uint32) uint256.Int {
	var m uint256.Int
	if hashLen >= 32 {
		m.SetAllOne()
		return m
	}

	m.Lsh(uint256.NewInt(1), uint(8*hashLen))
	m.SubUint64(&m, 1)
	return m
}
