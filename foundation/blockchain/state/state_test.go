package state_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaosmesh/ledger/foundation/blockchain/database"
	"github.com/chaosmesh/ledger/foundation/blockchain/genesis"
	"github.com/chaosmesh/ledger/foundation/blockchain/pow"
	"github.com/chaosmesh/ledger/foundation/blockchain/state"
	"github.com/chaosmesh/ledger/foundation/blockchain/storage/disk"
	"github.com/chaosmesh/ledger/foundation/blockchain/storage/memory"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// events records every event string.
type events struct {
	mu   sync.Mutex
	logs []string
}

func (e *events) handler(v string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs = append(e.logs, fmt.Sprintf(v, args...))
}

func (e *events) contains(s string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.logs {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}

// failingStorage never manages to save.
type failingStorage struct{}

func (failingStorage) Load() (database.Ledger, error) { return database.Ledger{}, database.ErrNotFound }
func (failingStorage) Save(database.Ledger) error     { return errors.New("disk full") }
func (failingStorage) Close() error                   { return nil }

func testGenesis() genesis.Genesis {
	gen := genesis.Default()
	gen.Difficulty = 50
	gen.TargetBlockTime = 15
	gen.EpochLength = 5
	return gen
}

func hashFor(i int) string {
	return fmt.Sprintf("$argon2id$v=19$m=64,t=1,p=1$c2FsdHNhbHQ$block%04d", i)
}

// mineSplit mines difficulty 1 solutions until it has one digest at or below
// the difficulty 2 target and one above it.
func mineSplit(t *testing.T) (low pow.Solution, high pow.Solution, lowEntropy string, highEntropy string) {
	t.Helper()

	e, err := pow.New(pow.Config{Params: pow.Params{Time: 1, Memory: 64, Parallelism: 1, HashLen: 32, SaltLen: 16}})
	ifErrFailNow(t, err)

	half, _ := e.Target(2)

	var haveLow, haveHigh bool
	for i := 0; i < 128 && !(haveLow && haveHigh); i++ {
		entropy := fmt.Sprintf("%064x", i)

		sol, err := e.Mine(context.Background(), entropy, 1)
		ifErrFailNow(t, err)

		v, err := pow.Value(sol.Hash)
		ifErrFailNow(t, err)

		switch {
		case v.Gt(half) && !haveHigh:
			high, highEntropy, haveHigh = sol, entropy, true
		case !v.Gt(half) && !haveLow:
			low, lowEntropy, haveLow = sol, entropy, true
		}
	}

	if !haveLow || !haveHigh {
		t.Fatalf("\t%s\tShould find digests on both sides of MAX/2.", failed)
	}

	return low, high, lowEntropy, highEntropy
}

func ifErrFailNow(t *testing.T, err error) {
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
}

// =============================================================================

func Test_Genesis(t *testing.T) {
	t.Log("Given the need to start a ledger with nothing stored.")
	{
		t.Logf("\tTest 0:\tWhen using memory storage.")
		{
			strg, err := memory.New()
			ifErrFailNow(t, err)

			st, err := state.New(state.Config{Genesis: testGenesis(), Storage: strg})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to construct the state: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to construct the state.", success)

			blocks := st.Blocks()
			if len(blocks) != 1 || !blocks[0].IsGenesis() || blocks[0].Entropy != "GENESIS" {
				t.Fatalf("\t%s\tTest 0:\tShould have exactly one genesis block: %+v", failed, blocks)
			}
			t.Logf("\t%s\tTest 0:\tShould have exactly one genesis block.", success)

			if st.Difficulty() != 50 {
				t.Fatalf("\t%s\tTest 0:\tShould start at the genesis difficulty: %d", failed, st.Difficulty())
			}
			t.Logf("\t%s\tTest 0:\tShould start at the genesis difficulty.", success)

			if _, err := strg.Load(); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould persist the genesis ledger: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould persist the genesis ledger.", success)
		}
	}
}

func Test_AddBlock(t *testing.T) {
	t.Log("Given the need to append blocks to the chain.")
	{
		t.Logf("\tTest 0:\tWhen adding blocks and reloading.")
		{
			dir := t.TempDir()
			strg, err := disk.New(filepath.Join(dir, "blockchain.json"))
			ifErrFailNow(t, err)

			clk := newClock()
			st, err := state.New(state.Config{Genesis: testGenesis(), Storage: strg, Now: clk.Now})
			ifErrFailNow(t, err)

			for i := 1; i <= 3; i++ {
				clk.Advance(15 * time.Second)

				block, err := st.AddBlock("ab12", uint64(i), hashFor(i), st.Difficulty())
				if err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to add block %d: %v", failed, i, err)
				}

				if block.Index != uint64(i) || block.Timestamp != database.Seconds(clk.Now()) {
					t.Fatalf("\t%s\tTest 0:\tShould index and stamp block %d: %+v", failed, i, block)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould be able to add blocks.", success)

			blocks := st.Blocks()
			if blocks[1].PreviousHash != strings.Repeat("0", 64) {
				t.Fatalf("\t%s\tTest 0:\tShould link block 1 to genesis: %s", failed, blocks[1].PreviousHash)
			}
			for i := 1; i < len(blocks); i++ {
				if blocks[i].PreviousHash != blocks[i-1].Hash || blocks[i].Index != uint64(i) {
					t.Fatalf("\t%s\tTest 0:\tShould link every block to its parent: %d", failed, i)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould link every block to its parent.", success)

			reloaded, err := state.New(state.Config{Genesis: testGenesis(), Storage: strg, Now: clk.Now})
			ifErrFailNow(t, err)

			if reloaded.Height() != 4 || reloaded.LatestBlock() != st.LatestBlock() {
				t.Fatalf("\t%s\tTest 0:\tShould reload the same chain: height[%d]", failed, reloaded.Height())
			}
			t.Logf("\t%s\tTest 0:\tShould reload the same chain.", success)
		}

		t.Logf("\tTest 1:\tWhen adding a hash that is already in the chain.")
		{
			strg, _ := memory.New()
			st, err := state.New(state.Config{Genesis: testGenesis(), Storage: strg})
			ifErrFailNow(t, err)

			if _, err := st.AddBlock("ab12", 1, hashFor(1), st.Difficulty()); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to add the block: %v", failed, err)
			}

			if _, err := st.AddBlock("ab12", 1, hashFor(1), st.Difficulty()); !errors.Is(err, state.ErrDuplicateBlock) {
				t.Fatalf("\t%s\tTest 1:\tShould get ErrDuplicateBlock: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould get ErrDuplicateBlock.", success)

			if st.Height() != 2 {
				t.Fatalf("\t%s\tTest 1:\tShould not grow the chain: %d", failed, st.Height())
			}
			t.Logf("\t%s\tTest 1:\tShould not grow the chain.", success)
		}
	}
}

func Test_Retarget(t *testing.T) {
	type table struct {
		name       string
		difficulty uint64
		minimum    uint64
		interval   time.Duration
		exp        uint64
		saves      int
	}

	// Genesis is saved once and every added block once. A changed
	// difficulty is saved once more.
	tt := []table{
		{name: "fast", difficulty: 50, minimum: 1, interval: 6 * time.Second, exp: 60, saves: 6},
		{name: "slow", difficulty: 50, minimum: 1, interval: 40 * time.Second, exp: 40, saves: 6},
		{name: "steady", difficulty: 50, minimum: 1, interval: 15 * time.Second, exp: 50, saves: 5},
		{name: "fast from one", difficulty: 1, minimum: 1, interval: 6 * time.Second, exp: 2, saves: 6},
		{name: "slow at floor", difficulty: 1, minimum: 1, interval: 40 * time.Second, exp: 1, saves: 5},
		{name: "slow clamped", difficulty: 50, minimum: 45, interval: 40 * time.Second, exp: 45, saves: 6},
	}

	t.Log("Given the need to retarget difficulty at the end of an epoch.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen blocks arrive every %v at difficulty %d.", testID, tst.interval, tst.difficulty)
			{
				f := func(t *testing.T) {
					strg, err := memory.New()
					ifErrFailNow(t, err)

					gen := testGenesis()
					gen.Difficulty = tst.difficulty
					gen.MinDifficulty = tst.minimum

					clk := newClock()
					st, err := state.New(state.Config{Genesis: gen, Storage: strg, Now: clk.Now})
					ifErrFailNow(t, err)

					for i := 1; i <= 4; i++ {
						if st.Difficulty() != tst.difficulty {
							t.Fatalf("\t%s\tTest %d:\tShould not retarget before the epoch ends: block %d", failed, testID, i)
						}

						clk.Advance(tst.interval)
						_, err := st.AddBlock("ab12", uint64(i), hashFor(i), st.Difficulty())
						ifErrFailNow(t, err)
					}
					t.Logf("\t%s\tTest %d:\tShould not retarget before the epoch ends.", success, testID)

					if st.Difficulty() != tst.exp {
						t.Fatalf("\t%s\tTest %d:\tShould retarget to %d: got %d", failed, testID, tst.exp, st.Difficulty())
					}
					t.Logf("\t%s\tTest %d:\tShould retarget to %d.", success, testID, tst.exp)

					if strg.Saves() != tst.saves {
						t.Fatalf("\t%s\tTest %d:\tShould save %d times: got %d", failed, testID, tst.saves, strg.Saves())
					}
					t.Logf("\t%s\tTest %d:\tShould save %d times.", success, testID, tst.saves)

					if !st.Status().LastAdjustment.Equal(clk.Now()) {
						t.Fatalf("\t%s\tTest %d:\tShould reset the retarget time.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould reset the retarget time.", success, testID)
				}

				t.Run(tst.name, f)
			}
		}
	}
}

func Test_RetargetBetweenVerifyAndAdd(t *testing.T) {
	low, high, lowEntropy, highEntropy := mineSplit(t)

	gen := testGenesis()
	gen.Difficulty = 1
	gen.MinDifficulty = 1
	gen.EpochLength = 2

	t.Log("Given the need to hold solutions to the difficulty in force when they are appended.")
	{
		strg, _ := memory.New()
		clk := newClock()
		st, err := state.New(state.Config{Genesis: gen, Storage: strg, Now: clk.Now})
		ifErrFailNow(t, err)

		clk.Advance(time.Second)
		_, err = st.AddBlock("ab12", 1, hashFor(1), 1)
		ifErrFailNow(t, err)

		if st.Difficulty() != 2 {
			t.Fatalf("\t%s\tShould retarget to 2 after a fast epoch: %d", failed, st.Difficulty())
		}
		t.Logf("\t%s\tShould retarget to 2 after a fast epoch.", success)

		t.Logf("\tTest 0:\tWhen a difficulty 1 solution misses the new target.")
		{
			_, err := st.AddBlock(highEntropy, high.Nonce, high.Hash, 1)
			if !errors.Is(err, pow.ErrDifficultyNotMet) {
				t.Fatalf("\t%s\tTest 0:\tShould get ErrDifficultyNotMet: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould get ErrDifficultyNotMet.", success)

			if st.Height() != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould not grow the chain: %d", failed, st.Height())
			}
			t.Logf("\t%s\tTest 0:\tShould not grow the chain.", success)
		}

		t.Logf("\tTest 1:\tWhen a difficulty 1 solution still meets the new target.")
		{
			block, err := st.AddBlock(lowEntropy, low.Nonce, low.Hash, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould accept the block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould accept the block.", success)

			if block.Index != 2 || st.Height() != 3 {
				t.Fatalf("\t%s\tTest 1:\tShould append at index 2: index[%d] height[%d]", failed, block.Index, st.Height())
			}
			t.Logf("\t%s\tTest 1:\tShould append at index 2.", success)
		}
	}
}

func Test_LedgerWithoutRetargetTime(t *testing.T) {
	// Written by older ledgers: no last_adjustment_time key.
	const stored = `{
    "chain": [
        {"index": 0, "timestamp": 1700000000.5, "entropy": "GENESIS", "nonce": 0, "hash": "0000000000000000000000000000000000000000000000000000000000000000", "previous_hash": "0"},
        {"index": 1, "timestamp": 1700000012.25, "entropy": "ab12", "nonce": 7, "hash": "$argon2id$v=19$m=64,t=1,p=1$c2FsdHNhbHQ$block0001", "previous_hash": "0000000000000000000000000000000000000000000000000000000000000000"}
    ],
    "difficulty": 63
}`

	t.Log("Given the need to load ledgers written before the retarget time was stored.")
	{
		t.Logf("\tTest 0:\tWhen the ledger file has no last_adjustment_time.")
		{
			path := filepath.Join(t.TempDir(), "blockchain.json")
			if err := os.WriteFile(path, []byte(stored), 0600); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to write the file: %v", failed, err)
			}

			strg, err := disk.New(path)
			ifErrFailNow(t, err)

			clk := newClock()
			st, err := state.New(state.Config{Genesis: testGenesis(), Storage: strg, Now: clk.Now})
			ifErrFailNow(t, err)

			if st.Height() != 2 || st.Difficulty() != 63 {
				t.Fatalf("\t%s\tTest 0:\tShould keep the stored chain: height[%d] difficulty[%d]", failed, st.Height(), st.Difficulty())
			}
			t.Logf("\t%s\tTest 0:\tShould keep the stored chain.", success)

			if !st.Status().LastAdjustment.Equal(clk.Now()) {
				t.Fatalf("\t%s\tTest 0:\tShould start the epoch now: %v", failed, st.Status().LastAdjustment)
			}
			t.Logf("\t%s\tTest 0:\tShould start the epoch now.", success)

			ledger, err := strg.Load()
			ifErrFailNow(t, err)

			if ledger.LastAdjustmentTime != database.Seconds(clk.Now()) {
				t.Fatalf("\t%s\tTest 0:\tShould store the retarget time: %v", failed, ledger.LastAdjustmentTime)
			}
			t.Logf("\t%s\tTest 0:\tShould store the retarget time.", success)
		}
	}
}

func Test_CorruptLedger(t *testing.T) {
	t.Log("Given the need to recover from an unusable ledger.")
	{
		t.Logf("\tTest 0:\tWhen the ledger file is not valid JSON.")
		{
			path := filepath.Join(t.TempDir(), "blockchain.json")
			if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to write the file: %v", failed, err)
			}

			strg, err := disk.New(path)
			ifErrFailNow(t, err)

			var evts events
			st, err := state.New(state.Config{Genesis: testGenesis(), Storage: strg, EvHandler: evts.handler})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to construct the state: %v", failed, err)
			}

			if st.Height() != 1 || !st.LatestBlock().IsGenesis() {
				t.Fatalf("\t%s\tTest 0:\tShould regenerate genesis: height[%d]", failed, st.Height())
			}
			t.Logf("\t%s\tTest 0:\tShould regenerate genesis.", success)

			if !evts.contains("ERROR") {
				t.Fatalf("\t%s\tTest 0:\tShould report the corruption as an error: %v", failed, evts.logs)
			}
			t.Logf("\t%s\tTest 0:\tShould report the corruption as an error.", success)

			if _, err := strg.Load(); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould overwrite the corrupt file: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould overwrite the corrupt file.", success)
		}

		t.Logf("\tTest 1:\tWhen the stored chain has a broken link.")
		{
			strg, _ := memory.New()
			now := time.Now()
			gen := database.NewGenesisBlock(testGenesis(), now)
			bad := database.NewBlock(gen, "ab12", 1, hashFor(1), now)
			bad.PreviousHash = "tampered"

			strg.Save(database.Ledger{Chain: []database.Block{gen, bad}, Difficulty: 70})

			var evts events
			st, err := state.New(state.Config{Genesis: testGenesis(), Storage: strg, EvHandler: evts.handler})
			ifErrFailNow(t, err)

			if st.Height() != 1 || st.Difficulty() != 50 {
				t.Fatalf("\t%s\tTest 1:\tShould regenerate genesis: height[%d] difficulty[%d]", failed, st.Height(), st.Difficulty())
			}
			t.Logf("\t%s\tTest 1:\tShould regenerate genesis.", success)

			if !evts.contains("ERROR") {
				t.Fatalf("\t%s\tTest 1:\tShould report the corruption as an error.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould report the corruption as an error.", success)
		}
	}
}

func Test_PersistenceFailure(t *testing.T) {
	t.Log("Given the need to keep running when the ledger can't be saved.")
	{
		t.Logf("\tTest 0:\tWhen every save fails.")
		{
			var evts events
			st, err := state.New(state.Config{Genesis: testGenesis(), Storage: failingStorage{}, EvHandler: evts.handler})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to construct the state: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to construct the state.", success)

			if _, err := st.AddBlock("ab12", 1, hashFor(1), st.Difficulty()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould still accept the block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould still accept the block.", success)

			if st.Height() != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould keep the block in memory: %d", failed, st.Height())
			}
			t.Logf("\t%s\tTest 0:\tShould keep the block in memory.", success)

			if !evts.contains("ERROR: persisting ledger: disk full") {
				t.Fatalf("\t%s\tTest 0:\tShould report the failure: %v", failed, evts.logs)
			}
			t.Logf("\t%s\tTest 0:\tShould report the failure.", success)
		}
	}
}

func Test_ConcurrentAddBlock(t *testing.T) {
	const goroutines = 50

	t.Log("Given the need to append blocks from many goroutines.")
	{
		t.Logf("\tTest 0:\tWhen %d goroutines add a block at once.", goroutines)
		{
			// One epoch covers every block so the difficulty never moves.
			gen := testGenesis()
			gen.EpochLength = 1000

			strg, _ := memory.New()
			st, err := state.New(state.Config{Genesis: gen, Storage: strg})
			ifErrFailNow(t, err)

			var wg sync.WaitGroup
			wg.Add(goroutines)
			for i := range goroutines {
				go func() {
					defer wg.Done()
					st.AddBlock("ab12", uint64(i), hashFor(i), st.Difficulty())
				}()
			}
			wg.Wait()

			if st.Height() != goroutines+1 {
				t.Fatalf("\t%s\tTest 0:\tShould have %d blocks: %d", failed, goroutines+1, st.Height())
			}
			t.Logf("\t%s\tTest 0:\tShould have %d blocks.", success, goroutines+1)

			stored, err := strg.Load()
			ifErrFailNow(t, err)

			if err := stored.Validate(); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould persist a linked chain: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould persist a linked chain.", success)
		}
	}
}

func Test_QueryBlocksByNumber(t *testing.T) {
	strg, _ := memory.New()
	st, err := state.New(state.Config{Genesis: testGenesis(), Storage: strg})
	ifErrFailNow(t, err)

	for i := 1; i <= 3; i++ {
		_, err := st.AddBlock("ab12", uint64(i), hashFor(i), st.Difficulty())
		ifErrFailNow(t, err)
	}

	type table struct {
		name string
		from uint64
		to   uint64
		exp  []uint64
	}

	tt := []table{
		{name: "all", from: 0, to: state.QueryLatest, exp: []uint64{0, 1, 2, 3}},
		{name: "range", from: 1, to: 2, exp: []uint64{1, 2}},
		{name: "latest", from: state.QueryLatest, to: state.QueryLatest, exp: []uint64{3}},
		{name: "clamped", from: 2, to: 100, exp: []uint64{2, 3}},
		{name: "past end", from: 9, to: 12, exp: nil},
	}

	t.Log("Given the need to query blocks by index.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen querying %s.", testID, tst.name)
			{
				blocks := st.QueryBlocksByNumber(tst.from, tst.to)

				var got []uint64
				for _, b := range blocks {
					got = append(got, b.Index)
				}

				if fmt.Sprint(got) != fmt.Sprint(tst.exp) {
					t.Fatalf("\t%s\tTest %d:\tShould get blocks %v: got %v", failed, testID, tst.exp, got)
				}
				t.Logf("\t%s\tTest %d:\tShould get blocks %v.", success, testID, tst.exp)
			}
		}
	}
}
