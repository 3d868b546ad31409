// Package submission implements the TCP server miners submit solved puzzles
// to. Accepted connections are handed to a fixed pool of workers through a
// bounded queue; when the queue is full the connection is refused at once.
package submission

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaosmesh/ledger/foundation/blockchain/database"
)

// ErrServerClosed is returned by Serve after a call to Shutdown.
var ErrServerClosed = errors.New("submission: server closed")

// EventHandler defines a function that is called when events
// occur in the processing of submissions.
type EventHandler func(v string, args ...any)

// Ledger is the behavior required from the ledger state.
type Ledger interface {
	Difficulty() uint64
	AddBlock(entropy string, nonce uint64, hash string, difficulty uint64) (database.Block, error)
}

// Verifier is the behavior required from the proof of work engine.
type Verifier interface {
	Verify(entropy string, nonce uint64, encodedHash string, difficulty uint64) error
}

// =============================================================================

// Config represents the configuration required to construct a Server.
type Config struct {
	Host         string
	Ledger       Ledger
	Verifier     Verifier
	Workers      int
	QueueDepth   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	EvHandler    EventHandler
}

// Server accepts submissions and drives each connection through
// CONNECTED, GREETED, AWAITING_SUBMISSION, a result and CLOSED.
type Server struct {
	host         string
	ledger       Ledger
	verifier     Verifier
	workers      int
	readTimeout  time.Duration
	writeTimeout time.Duration
	evHandler    EventHandler

	mu         sync.Mutex
	listener   net.Listener
	acceptDone chan struct{}
	closing    atomic.Bool
	closeQueue sync.Once

	queue chan net.Conn
	wg    sync.WaitGroup
}

// New constructs a submission server.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Ledger == nil:
		return nil, errors.New("ledger is required")
	case cfg.Verifier == nil:
		return nil, errors.New("verifier is required")
	case cfg.Workers < 1:
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	case cfg.QueueDepth < 0:
		return nil, fmt.Errorf("queue depth can't be negative, got %d", cfg.QueueDepth)
	case cfg.ReadTimeout <= 0:
		return nil, errors.New("read timeout must be positive")
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = cfg.ReadTimeout
	}

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	srv := Server{
		host:         cfg.Host,
		ledger:       cfg.Ledger,
		verifier:     cfg.Verifier,
		workers:      cfg.Workers,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		evHandler:    ev,
		queue:        make(chan net.Conn, cfg.QueueDepth),
	}

	return &srv, nil
}

// Addr returns the address being served, or nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe listens on the configured host and serves connections.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.host)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve starts the worker pool and accepts connections on l until Shutdown
// is called. It always returns a non-nil error.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("submission: server already serving")
	}
	s.listener = l
	s.acceptDone = make(chan struct{})
	s.mu.Unlock()

	defer close(s.acceptDone)

	s.wg.Add(s.workers)
	for i := range s.workers {
		go func() {
			defer s.wg.Done()
			s.worker(i)
		}()
	}

	s.evHandler("submission: Serve: started: addr[%s]: workers[%d]: queue[%d]", l.Addr(), s.workers, cap(s.queue))

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = min(max(2*tempDelay, 5*time.Millisecond), time.Second)
				s.evHandler("submission: Serve: WARNING: accept: %s: retrying in %v", err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}

			return err
		}
		tempDelay = 0

		select {
		case s.queue <- conn:
		default:
			s.refuse(conn)
		}
	}
}

// Shutdown stops accepting connections, lets the workers finish every
// connection already accepted and waits for them or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.evHandler("submission: shutdown: started")
	defer s.evHandler("submission: shutdown: completed")

	s.mu.Lock()
	s.closing.Store(true)
	l, acceptDone := s.listener, s.acceptDone
	s.mu.Unlock()

	if l == nil {
		return nil
	}

	l.Close()
	<-acceptDone

	s.closeQueue.Do(func() { close(s.queue) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================

// worker handles connections until the queue is closed.
func (s *Server) worker(id int) {
	s.evHandler("submission: worker[%d]: started", id)
	defer s.evHandler("submission: worker[%d]: completed", id)

	for conn := range s.queue {
		s.handle(conn)
	}
}
