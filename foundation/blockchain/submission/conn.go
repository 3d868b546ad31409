package submission

import (
	"errors"
	"net"
	"runtime/debug"
	"time"

	"github.com/chaosmesh/ledger/foundation/blockchain/pow"
	"github.com/chaosmesh/ledger/foundation/blockchain/protocol"
	"github.com/chaosmesh/ledger/foundation/blockchain/state"
	"github.com/google/uuid"
)

// handle drives one connection to CLOSED on every path.
func (s *Server) handle(conn net.Conn) {
	traceID := uuid.NewString()
	remote := conn.RemoteAddr().String()

	defer func() {
		if r := recover(); r != nil {
			s.evHandler("submission: handle: traceid[%s]: ERROR: PANIC: %v: %s", traceID, r, debug.Stack())
		}
		conn.Close()
		s.evHandler("submission: handle: traceid[%s]: CLOSED", traceID)
	}()

	s.evHandler("submission: handle: traceid[%s]: CONNECTED: remote[%s]", traceID, remote)

	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := protocol.WriteGreeting(conn, s.ledger.Difficulty()); err != nil {
		s.evHandler("submission: handle: traceid[%s]: ERROR: greeting: %s", traceID, err)
		return
	}

	s.evHandler("submission: handle: traceid[%s]: GREETED: AWAITING_SUBMISSION", traceID)

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	sub, err := protocol.DecodeSubmission(conn)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			s.evHandler("submission: handle: traceid[%s]: TIMEOUT: no submission within %v", traceID, s.readTimeout)
			return
		}

		s.evHandler("submission: handle: traceid[%s]: MALFORMED: %s", traceID, err)
		s.respond(conn, traceID, protocol.Rejected)
		return
	}

	s.respond(conn, traceID, s.process(traceID, sub))
}

// process verifies the submission against the difficulty in force now and
// appends it to the ledger.
func (s *Server) process(traceID string, sub protocol.Submission) protocol.Result {
	difficulty := s.ledger.Difficulty()

	// Verification is the expensive step and runs outside the ledger lock.
	if err := s.verifier.Verify(sub.Entropy, *sub.Nonce, sub.Hash, difficulty); err != nil {
		s.evHandler("submission: process: traceid[%s]: difficulty[%d]: %s", traceID, difficulty, err)

		if errors.Is(err, pow.ErrDifficultyNotMet) {
			return protocol.RejectedLowDiff
		}
		return protocol.RejectedBadHash
	}

	block, err := s.ledger.AddBlock(sub.Entropy, *sub.Nonce, sub.Hash, difficulty)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrDuplicateBlock):
			s.evHandler("submission: process: traceid[%s]: DUPLICATE: %s", traceID, err)
			return protocol.Rejected

		case errors.Is(err, pow.ErrDifficultyNotMet):
			s.evHandler("submission: process: traceid[%s]: RETARGETED: %s", traceID, err)
			return protocol.RejectedLowDiff
		}

		s.evHandler("submission: process: traceid[%s]: ERROR: %s", traceID, err)
		return protocol.Rejected
	}

	s.evHandler("submission: process: traceid[%s]: block[%d]: difficulty[%d]", traceID, block.Index, difficulty)

	return protocol.Accepted
}

// respond writes the result token.
func (s *Server) respond(conn net.Conn, traceID string, res protocol.Result) {
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := protocol.WriteResult(conn, res); err != nil {
		s.evHandler("submission: respond: traceid[%s]: ERROR: %s", traceID, err)
		return
	}

	s.evHandler("submission: respond: traceid[%s]: %s", traceID, res)
}

// refuse answers a connection the pool has no room for and closes it.
func (s *Server) refuse(conn net.Conn) {
	defer conn.Close()

	s.evHandler("submission: refuse: REJECTED: queue full: remote[%s]", conn.RemoteAddr())

	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	protocol.WriteResult(conn, protocol.Rejected)
}
