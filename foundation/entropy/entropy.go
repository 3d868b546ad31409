// Package entropy harvests noise from several independent sources and whitens
// it into a fixed size digest. Every source is individually fallible: a source
// that fails substitutes local randomness so a harvest never aborts.
package entropy

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Size is the length in bytes of a whitened digest.
const Size = sha256.Size

// DefaultJitterHosts is the fixed set of public STUN servers sampled for
// network jitter.
var DefaultJitterHosts = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
	"global.stun.twilio.com:3478",
}

// DefaultJitterTimeout bounds how long a single host round trip may take.
const DefaultJitterTimeout = 250 * time.Millisecond

// EventHandler defines a function that is called when events
// occur while harvesting.
type EventHandler func(v string, args ...any)

// Digest is the whitened output of one harvest.
type Digest [Size]byte

// Hex returns the digest as 64 hex characters.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// String implements the fmt.Stringer interface.
func (d Digest) String() string {
	return d.Hex()
}

// Source is a single noise source. Sample must not fail; a source that
// can't reach its noise substitutes something in its place.
type Source interface {
	Name() string
	Sample(ctx context.Context) []byte
}

// =============================================================================

// Config represents the configuration for the default set of sources.
type Config struct {
	JitterHosts   []string
	JitterTimeout time.Duration
	ScratchPath   string
	EvHandler     EventHandler
}

// Harvester combines the output of its sources into whitened digests.
type Harvester struct {
	sources   []Source
	evHandler EventHandler
}

// New constructs a harvester over the default sources, sampled in this order:
// network jitter, cpu scheduling race, clock, disk, os and hardware rng.
func New(cfg Config) *Harvester {
	if cfg.JitterHosts == nil {
		cfg.JitterHosts = DefaultJitterHosts
	}
	if cfg.JitterTimeout <= 0 {
		cfg.JitterTimeout = DefaultJitterTimeout
	}

	sources := []Source{
		JitterSource{Hosts: cfg.JitterHosts, Timeout: cfg.JitterTimeout},
		RaceSource{Workers: raceWorkers, Increments: raceIncrements},
		ClockSource{},
		DiskSource{Path: cfg.ScratchPath, Bytes: diskBytes},
		OSSource{Bytes: osBytes},
		HardwareSource{Words: hardwareWords},
	}

	return NewWithSources(cfg.EvHandler, sources...)
}

// NewWithSources constructs a harvester over an explicit ordered set of
// sources.
func NewWithSources(evHandler EventHandler, sources ...Source) *Harvester {
	ev := func(v string, args ...any) {
		if evHandler != nil {
			evHandler(v, args...)
		}
	}

	return &Harvester{
		sources:   sources,
		evHandler: ev,
	}
}

// Harvest samples every source in order and whitens the concatenated
// fragments with SHA-256.
func (h *Harvester) Harvest(ctx context.Context) Digest {
	start := time.Now()

	// The fragment buffer lives for a single harvest only.
	fragments := make([][]byte, 0, len(h.sources))
	for _, src := range h.sources {
		fragments = append(fragments, h.sample(ctx, src))
	}

	hash := sha256.New()
	for _, frag := range fragments {
		hash.Write(frag)
	}

	var d Digest
	copy(d[:], hash.Sum(nil))

	h.evHandler("entropy: Harvest: sources[%d]: duration[%v]", len(h.sources), time.Since(start))

	return d
}

// sample protects the harvest from a source that panics by substituting
// bytes from the operating system.
func (h *Harvester) sample(ctx context.Context, src Source) (frag []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.evHandler("entropy: sample: source[%s]: WARNING: %v: substituting os randomness", src.Name(), r)
			frag = osRandom(osBytes)
		}
	}()

	return src.Sample(ctx)
}

// osRandom reads n bytes from the operating system CSPRNG.
func osRandom(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}
