// Package protocol defines the line protocol spoken between miners and the
// ledger's submission server. The server greets with the current difficulty,
// the miner answers with one submission and the server replies with a single
// result token before closing the connection.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chaosmesh/ledger/foundation/validate"
)

// MaxMessageSize bounds every message read off the wire.
const MaxMessageSize = 4096

// Set of errors returned while reading messages.
var (
	ErrMalformed = errors.New("malformed message")
	ErrRefused   = errors.New("connection refused by server")
)

// Result is the token the server replies with.
type Result string

// Set of result tokens.
const (
	Accepted        Result = "ACCEPTED"
	Rejected        Result = "REJECTED"
	RejectedLowDiff Result = "REJECTED_LOW_DIFF"
	RejectedBadHash Result = "REJECTED_BAD_HASH"
)

// ParseResult converts a token read from the wire into a Result.
func ParseResult(s string) (Result, error) {
	switch r := Result(strings.TrimSpace(s)); r {
	case Accepted, Rejected, RejectedLowDiff, RejectedBadHash:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown result %q", ErrMalformed, s)
}

// IsAccepted reports whether the block was appended to the ledger.
func (r Result) IsAccepted() bool {
	return r == Accepted
}

// String implements the fmt.Stringer interface.
func (r Result) String() string {
	return string(r)
}

// =============================================================================

// Greeting is sent by the server as soon as a connection is accepted.
type Greeting struct {
	CurrentDifficulty uint64 `json:"current_difficulty" validate:"required"`
}

// Submission is a solved puzzle sent by a miner.
type Submission struct {
	Entropy string  `json:"entropy" validate:"required,max=1024"`
	Nonce   *uint64 `json:"nonce" validate:"required"`
	Hash    string  `json:"hash" validate:"required,startswith=$argon2id$,max=512"`
}

// NewSubmission constructs a submission for a mined solution.
func NewSubmission(entropy string, nonce uint64, hash string) Submission {
	return Submission{
		Entropy: entropy,
		Nonce:   &nonce,
		Hash:    hash,
	}
}

// =============================================================================

// WriteGreeting sends the greeting line.
func WriteGreeting(w io.Writer, difficulty uint64) error {
	return writeLine(w, Greeting{CurrentDifficulty: difficulty})
}

// ReadGreeting reads the greeting line. The reader must be the one used for
// the rest of the connection since it may buffer.
func ReadGreeting(r *bufio.Reader) (Greeting, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {

		// A busy server answers with a result token instead of a greeting.
		if errors.Is(err, io.EOF) && len(line) > 0 {
			if res, perr := ParseResult(string(line)); perr == nil {
				return Greeting{}, fmt.Errorf("%w: %s", ErrRefused, res)
			}
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			return Greeting{}, fmt.Errorf("%w: greeting exceeds %d bytes", ErrMalformed, r.Size())
		}
		return Greeting{}, fmt.Errorf("reading greeting: %w", err)
	}

	var g Greeting
	if err := json.Unmarshal(bytes.TrimSpace(line), &g); err != nil {
		return Greeting{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	if err := validate.Check(g); err != nil {
		return Greeting{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	return g, nil
}

// WriteSubmission sends the submission.
func WriteSubmission(w io.Writer, s Submission) error {
	return writeLine(w, s)
}

// DecodeSubmission reads one submission, never more than MaxMessageSize
// bytes. Every failure wraps ErrMalformed; read errors are wrapped as well
// so timeouts can be told apart.
func DecodeSubmission(r io.Reader) (Submission, error) {
	decoder := json.NewDecoder(io.LimitReader(r, MaxMessageSize))
	decoder.DisallowUnknownFields()

	var s Submission
	if err := decoder.Decode(&s); err != nil {
		return Submission{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if err := validate.Check(s); err != nil {
		return Submission{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	return s, nil
}

// WriteResult sends the result token.
func WriteResult(w io.Writer, r Result) error {
	_, err := io.WriteString(w, string(r))
	return err
}

// ReadResult reads the result token until the server closes the connection.
func ReadResult(r io.Reader) (Result, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxMessageSize))
	if err != nil {
		return "", fmt.Errorf("reading result: %w", err)
	}
	return ParseResult(string(b))
}

// =============================================================================

func writeLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = w.Write(append(data, '\n'))
	return err
}
