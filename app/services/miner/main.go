package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaosmesh/ledger/foundation/blockchain/miner"
	"github.com/chaosmesh/ledger/foundation/blockchain/pow"
	"github.com/chaosmesh/ledger/foundation/drbg"
	"github.com/chaosmesh/ledger/foundation/entropy"
	"github.com/chaosmesh/ledger/foundation/logger"
	"github.com/ardanlabs/conf/v3"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("MINER")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Ledger struct {
			Host        string        `conf:"default:127.0.0.1:5050"`
			DialTimeout time.Duration `conf:"default:5s"`
			IOTimeout   time.Duration `conf:"default:30s"`
		}
		Mining struct {
			DefaultDifficulty uint64        `conf:"default:50,help:used when the ledger can't be reached for a greeting"`
			BackoffMin        time.Duration `conf:"default:1s"`
			BackoffMax        time.Duration `conf:"default:1m"`
		}
		Entropy struct {
			JitterHosts   []string      `conf:"default:stun.l.google.com:19302;stun.cloudflare.com:3478;global.stun.twilio.com:3478"`
			JitterTimeout time.Duration `conf:"default:250ms"`
			ScratchPath   string        `conf:"help:file read by the disk source (os randomness when empty)"`
		}
		PoW struct {
			Time        uint32 `conf:"default:2"`
			Memory      uint32 `conf:"default:65536,help:KiB"`
			Parallelism uint8  `conf:"default:1"`
			HashLen     uint32 `conf:"default:32"`
			SaltLen     uint32 `conf:"default:16"`
		}
		DRBG struct {
			ReseedInterval time.Duration `conf:"default:1h"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "entropy miner: harvests noise and mines argon2id proofs of work",
		},
	}

	const prefix = "MINER"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Mining Support

	ev := func(v string, args ...any) {
		log.Infow(fmt.Sprintf(v, args...), "traceid", "00000000-0000-0000-0000-000000000000")
	}

	random, err := drbg.New(drbg.Config{
		ReseedInterval: cfg.DRBG.ReseedInterval,
	})
	if err != nil {
		return fmt.Errorf("constructing drbg: %w", err)
	}

	engine, err := pow.New(pow.Config{
		Params: pow.Params{
			Time:        cfg.PoW.Time,
			Memory:      cfg.PoW.Memory,
			Parallelism: cfg.PoW.Parallelism,
			HashLen:     cfg.PoW.HashLen,
			SaltLen:     cfg.PoW.SaltLen,
		},
		Salt:      random,
		EvHandler: ev,
	})
	if err != nil {
		return fmt.Errorf("constructing pow engine: %w", err)
	}

	harvester := entropy.New(entropy.Config{
		JitterHosts:   cfg.Entropy.JitterHosts,
		JitterTimeout: cfg.Entropy.JitterTimeout,
		ScratchPath:   cfg.Entropy.ScratchPath,
		EvHandler:     ev,
	})

	m, err := miner.New(miner.Config{
		Host:              cfg.Ledger.Host,
		Harvester:         harvester,
		Solver:            engine,
		Random:            random,
		DefaultDifficulty: cfg.Mining.DefaultDifficulty,
		DialTimeout:       cfg.Ledger.DialTimeout,
		IOTimeout:         cfg.Ledger.IOTimeout,
		BackoffMin:        cfg.Mining.BackoffMin,
		BackoffMax:        cfg.Mining.BackoffMax,
		EvHandler:         ev,
	})
	if err != nil {
		return fmt.Errorf("constructing miner: %w", err)
	}

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Infow("startup", "status", "mining started", "ledger", cfg.Ledger.Host)
		m.Run(ctx)
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown. Cancelling the context stops
	// a search in progress at the next attempt.
	sig := <-shutdown
	log.Infow("shutdown", "status", "shutdown started", "signal", sig)
	defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

	cancel()
	<-done

	stats := m.Stats()
	log.Infow("shutdown", "accepted", stats.Accepted, "rejected", stats.Rejected, "failed", stats.Failed)

	return nil
}
