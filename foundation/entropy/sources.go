package entropy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/pion/stun"
)

// Fixed sampling parameters for the default sources.
const (
	jitterModulus  = 1000
	raceWorkers    = 4
	raceIncrements = 1000
	diskBytes      = 64
	osBytes        = 32
	hardwareWords  = 4
	rdrandRetries  = 10
)

// =============================================================================

// JitterSource measures the round trip of a STUN binding request to each of
// a fixed set of hosts. Only the residue modulo a small constant is kept.
type JitterSource struct {
	Hosts   []string
	Timeout time.Duration
}

// Name implements the Source interface.
func (JitterSource) Name() string { return "jitter" }

// Sample implements the Source interface.
func (s JitterSource) Sample(ctx context.Context) []byte {
	frag := make([]byte, 0, 8*len(s.Hosts))
	for _, host := range s.Hosts {
		frag = binary.BigEndian.AppendUint64(frag, s.jitter(ctx, host))
	}
	return frag
}

func (s JitterSource) jitter(ctx context.Context, host string) uint64 {
	start := mclock.Now()
	if err := stunRoundTrip(ctx, host, s.Timeout); err != nil {
		return uint64(mclock.Now()) % jitterModulus
	}
	return uint64(mclock.Now().Sub(start)) % jitterModulus
}

// stunRoundTrip sends a binding request and waits for the matching response.
// The whole exchange, name resolution included, is bounded by timeout.
func stunRoundTrip(ctx context.Context, host string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", host)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return err
	}

	if _, err := conn.Write(req.Raw); err != nil {
		return err
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return err
	}

	res := stun.Message{Raw: buf[:n]}
	if err := res.Decode(); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if res.TransactionID != req.TransactionID {
		return errors.New("transaction id mismatch")
	}

	return nil
}

// =============================================================================

// RaceSource makes a bounded set of goroutines contend one mutex around a
// shared counter. The wall-clock duration of the race is the signal; the
// final count is deterministic.
type RaceSource struct {
	Workers    int
	Increments int
}

// Name implements the Source interface.
func (RaceSource) Name() string { return "race" }

// Sample implements the Source interface.
func (s RaceSource) Sample(ctx context.Context) []byte {
	var (
		mu      sync.Mutex
		counter uint64
		wg      sync.WaitGroup
	)

	start := mclock.Now()

	wg.Add(s.Workers)
	for range s.Workers {
		go func() {
			defer wg.Done()
			for range s.Increments {
				mu.Lock()
				counter++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	duration := mclock.Now().Sub(start)

	frag := binary.BigEndian.AppendUint64(nil, uint64(duration))
	return binary.BigEndian.AppendUint64(frag, counter)
}

// =============================================================================

// ClockSource contributes one monotonic timestamp.
type ClockSource struct{}

// Name implements the Source interface.
func (ClockSource) Name() string { return "clock" }

// Sample implements the Source interface.
func (ClockSource) Sample(ctx context.Context) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(mclock.Now()))
}

// =============================================================================

// DiskSource reads a fixed number of bytes from a scratch file. Any I/O
// error is replaced by operating system randomness.
type DiskSource struct {
	Path  string
	Bytes int
}

// Name implements the Source interface.
func (DiskSource) Name() string { return "disk" }

// Sample implements the Source interface.
func (s DiskSource) Sample(ctx context.Context) []byte {
	if s.Path == "" {
		return osRandom(s.Bytes)
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return osRandom(s.Bytes)
	}
	defer f.Close()

	buf := make([]byte, s.Bytes)
	if _, err := io.ReadFull(f, buf); err != nil {
		return osRandom(s.Bytes)
	}

	return buf
}

// =============================================================================

// OSSource reads from the operating system CSPRNG. It is the quality floor
// of every harvest.
type OSSource struct {
	Bytes int
}

// Name implements the Source interface.
func (OSSource) Name() string { return "os" }

// Sample implements the Source interface.
func (s OSSource) Sample(ctx context.Context) []byte {
	return osRandom(s.Bytes)
}

// =============================================================================

// HardwareSource samples the CPU random number instruction when the CPU
// exposes one. It contributes nothing otherwise.
type HardwareSource struct {
	Words int
}

// Name implements the Source interface.
func (HardwareSource) Name() string { return "hardware" }

// Sample implements the Source interface.
func (s HardwareSource) Sample(ctx context.Context) []byte {
	if !hasHardwareRNG() {
		return nil
	}

	frag := make([]byte, 0, 8*s.Words)
	for range s.Words {
		for range rdrandRetries {
			if v, ok := rdrand64(); ok {
				frag = binary.BigEndian.AppendUint64(frag, v)
				break
			}
		}
	}

	return frag
}
