// Package miner implements the miner loop: harvest entropy, learn the
// difficulty from the ledger, solve the puzzle and submit the solution.
package miner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/chaosmesh/ledger/foundation/blockchain/pow"
	"github.com/chaosmesh/ledger/foundation/blockchain/protocol"
	"github.com/chaosmesh/ledger/foundation/entropy"
)

// EventHandler defines a function that is called when events
// occur in the miner loop.
type EventHandler func(v string, args ...any)

// Harvester produces the entropy each puzzle is built on.
type Harvester interface {
	Harvest(ctx context.Context) entropy.Digest
}

// Solver searches for a proof of work solution.
type Solver interface {
	Mine(ctx context.Context, entropy string, difficulty uint64) (pow.Solution, error)
}

// Random provides the jitter added to backoff delays.
type Random interface {
	Uint64() (uint64, error)
}

// Stats counts the outcome of every cycle.
type Stats struct {
	Accepted uint64
	Rejected uint64
	Failed   uint64
}

// =============================================================================

// Config represents the configuration required to construct a Miner.
type Config struct {
	Host              string
	Harvester         Harvester
	Solver            Solver
	Random            Random
	DefaultDifficulty uint64
	DialTimeout       time.Duration
	IOTimeout         time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	EvHandler         EventHandler
}

// Miner runs the mining loop against one ledger.
type Miner struct {
	host              string
	harvester         Harvester
	solver            Solver
	random            Random
	defaultDifficulty uint64
	dialTimeout       time.Duration
	ioTimeout         time.Duration
	backoffMin        time.Duration
	backoffMax        time.Duration
	evHandler         EventHandler

	mu    sync.Mutex
	stats Stats
}

// New constructs a miner.
func New(cfg Config) (*Miner, error) {
	switch {
	case cfg.Host == "":
		return nil, errors.New("host is required")
	case cfg.Harvester == nil:
		return nil, errors.New("harvester is required")
	case cfg.Solver == nil:
		return nil, errors.New("solver is required")
	case cfg.Random == nil:
		return nil, errors.New("random is required")
	case cfg.DefaultDifficulty == 0:
		return nil, errors.New("default difficulty must be positive")
	case cfg.BackoffMin <= 0 || cfg.BackoffMax < cfg.BackoffMin:
		return nil, fmt.Errorf("invalid backoff range %v..%v", cfg.BackoffMin, cfg.BackoffMax)
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 30 * time.Second
	}

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	m := Miner{
		host:              cfg.Host,
		harvester:         cfg.Harvester,
		solver:            cfg.Solver,
		random:            cfg.Random,
		defaultDifficulty: cfg.DefaultDifficulty,
		dialTimeout:       cfg.DialTimeout,
		ioTimeout:         cfg.IOTimeout,
		backoffMin:        cfg.BackoffMin,
		backoffMax:        cfg.BackoffMax,
		evHandler:         ev,
	}

	return &m, nil
}

// Stats returns a copy of the cycle counters.
func (m *Miner) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stats
}

// Run mines until ctx is cancelled. A failed cycle is followed by a backoff
// that doubles with every consecutive failure.
func (m *Miner) Run(ctx context.Context) {
	m.evHandler("miner: Run: started: host[%s]", m.host)
	defer m.evHandler("miner: Run: completed")

	var failures int
	for ctx.Err() == nil {
		res, err := m.MineOnce(ctx)

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}

			failures++
			m.count(func(s *Stats) { s.Failed++ })

			delay := m.backoff(failures)
			m.evHandler("miner: Run: ERROR: %s: retrying in %v", err, delay)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

		case res.IsAccepted():
			failures = 0
			m.count(func(s *Stats) { s.Accepted++ })

		default:
			failures = 0
			m.count(func(s *Stats) { s.Rejected++ })
		}
	}
}

// MineOnce runs a single cycle and returns the server's verdict.
func (m *Miner) MineOnce(ctx context.Context) (protocol.Result, error) {
	digest := m.harvester.Harvest(ctx)
	entropyHex := digest.Hex()

	difficulty, err := m.FetchDifficulty(ctx)
	if err != nil {
		m.evHandler("miner: MineOnce: WARNING: %s: using default difficulty[%d]", err, m.defaultDifficulty)
		difficulty = m.defaultDifficulty
	}

	m.evHandler("miner: MineOnce: MINING: entropy[%.16s]: difficulty[%d]", entropyHex, difficulty)

	sol, err := m.solver.Mine(ctx, entropyHex, difficulty)
	if err != nil {
		return "", fmt.Errorf("mining: %w", err)
	}

	res, err := m.Submit(ctx, protocol.NewSubmission(entropyHex, sol.Nonce, sol.Hash))
	if err != nil {
		return "", fmt.Errorf("submitting: %w", err)
	}

	m.evHandler("miner: MineOnce: %s: nonce[%d]: attempts[%d]", res, sol.Nonce, sol.Attempts)

	return res, nil
}

// FetchDifficulty connects to the ledger only to read the greeting.
func (m *Miner) FetchDifficulty(ctx context.Context) (uint64, error) {
	conn, err := m.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	g, err := protocol.ReadGreeting(bufio.NewReaderSize(conn, protocol.MaxMessageSize))
	if err != nil {
		return 0, err
	}

	return g.CurrentDifficulty, nil
}

// Submit opens a new connection, consumes the greeting, sends the
// submission and reads the result.
func (m *Miner) Submit(ctx context.Context, sub protocol.Submission) (protocol.Result, error) {
	conn, err := m.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	r := bufio.NewReaderSize(conn, protocol.MaxMessageSize)
	if _, err := protocol.ReadGreeting(r); err != nil {
		return "", err
	}

	if err := protocol.WriteSubmission(conn, sub); err != nil {
		return "", err
	}

	return protocol.ReadResult(r)
}

// =============================================================================

func (m *Miner) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: m.dialTimeout}

	conn, err := d.DialContext(ctx, "tcp", m.host)
	if err != nil {
		return nil, err
	}

	conn.SetDeadline(time.Now().Add(m.ioTimeout))

	return conn, nil
}

// backoff returns the delay after the given number of consecutive failures:
// BackoffMin doubled per failure, capped at BackoffMax, with the upper half
// randomized.
func (m *Miner) backoff(failures int) time.Duration {
	delay := m.backoffMin
	for i := 1; i < failures && delay < m.backoffMax; i++ {
		delay *= 2
	}
	delay = min(delay, m.backoffMax)

	half := delay / 2
	if half <= 0 {
		return delay
	}

	n, err := m.random.Uint64()
	if err != nil {
		return delay
	}

	return half + time.Duration(n%uint64(half+1))
}

func (m *Miner) count(f func(s *Stats)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f(&m.stats)
}
