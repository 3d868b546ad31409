package miner_test

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/chaosmesh/ledger/foundation/blockchain/genesis"
	"github.com/chaosmesh/ledger/foundation/blockchain/miner"
	"github.com/chaosmesh/ledger/foundation/blockchain/pow"
	"github.com/chaosmesh/ledger/foundation/blockchain/state"
	"github.com/chaosmesh/ledger/foundation/blockchain/storage/memory"
	"github.com/chaosmesh/ledger/foundation/blockchain/submission"
	"github.com/chaosmesh/ledger/foundation/drbg"
	"github.com/chaosmesh/ledger/foundation/entropy"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func newEngine(t *testing.T, random *drbg.DRBG) *pow.Engine {
	t.Helper()

	engine, err := pow.New(pow.Config{
		Params: pow.Params{Time: 1, Memory: 64, Parallelism: 1, HashLen: 32, SaltLen: 16},
		Salt:   random,
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the engine: %v", failed, err)
	}
	return engine
}

func newMiner(t *testing.T, host string) *miner.Miner {
	t.Helper()

	random, err := drbg.New(drbg.Config{})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the drbg: %v", failed, err)
	}

	m, err := miner.New(miner.Config{
		Host:              host,
		Harvester:         entropy.NewWithSources(nil, entropy.OSSource{Bytes: 32}),
		Solver:            newEngine(t, random),
		Random:            random,
		DefaultDifficulty: 2,
		DialTimeout:       time.Second,
		IOTimeout:         5 * time.Second,
		BackoffMin:        10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the miner: %v", failed, err)
	}
	return m
}

// =============================================================================

func Test_Run(t *testing.T) {
	t.Log("Given the need to mine blocks into a running ledger.")
	{
		t.Logf("\tTest 0:\tWhen the ledger accepts submissions.")
		{
			random, _ := drbg.New(drbg.Config{})

			strg, _ := memory.New()
			gen := genesis.Default()
			gen.Difficulty = 1

			st, err := state.New(state.Config{Genesis: gen, Storage: strg})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to construct the state: %v", failed, err)
			}

			srv, err := submission.New(submission.Config{
				Ledger:      st,
				Verifier:    newEngine(t, random),
				Workers:     2,
				QueueDepth:  4,
				ReadTimeout: 5 * time.Second,
			})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to construct the server: %v", failed, err)
			}

			l, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to listen: %v", failed, err)
			}
			go srv.Serve(l)
			defer srv.Shutdown(context.Background())

			m := newMiner(t, l.Addr().String())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				m.Run(ctx)
				close(done)
			}()

			deadline := time.Now().Add(20 * time.Second)
			for st.Height() < 4 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			cancel()

			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Fatalf("\t%s\tTest 0:\tShould stop when cancelled.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould stop when cancelled.", success)

			if st.Height() < 4 {
				t.Fatalf("\t%s\tTest 0:\tShould mine at least 3 blocks: height[%d]", failed, st.Height())
			}
			t.Logf("\t%s\tTest 0:\tShould mine at least 3 blocks.", success)

			if stats := m.Stats(); stats.Accepted < 3 {
				t.Fatalf("\t%s\tTest 0:\tShould count accepted blocks: %+v", failed, stats)
			}
			t.Logf("\t%s\tTest 0:\tShould count accepted blocks.", success)

			for _, b := range st.Blocks()[1:] {
				if len(b.Entropy) != 64 || strings.Trim(b.Entropy, "0123456789abcdef") != "" {
					t.Fatalf("\t%s\tTest 0:\tShould submit hex entropy: %q", failed, b.Entropy)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould submit hex entropy.", success)
		}
	}
}

func Test_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("\t%s\tShould be able to listen: %v", failed, err)
	}
	host := l.Addr().String()
	l.Close()

	t.Log("Given the need to survive an unreachable ledger.")
	{
		t.Logf("\tTest 0:\tWhen nothing listens on the host.")
		{
			m := newMiner(t, host)

			if _, err := m.FetchDifficulty(context.Background()); err == nil {
				t.Fatalf("\t%s\tTest 0:\tShould fail to fetch the difficulty.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould fail to fetch the difficulty.", success)

			if _, err := m.MineOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "submitting") {
				t.Fatalf("\t%s\tTest 0:\tShould mine at the default difficulty and fail to submit: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould mine at the default difficulty and fail to submit.", success)

			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()
			m.Run(ctx)

			if m.Stats().Failed == 0 {
				t.Fatalf("\t%s\tTest 0:\tShould count failed cycles: %+v", failed, m.Stats())
			}
			t.Logf("\t%s\tTest 0:\tShould count failed cycles.", success)
		}
	}
}
