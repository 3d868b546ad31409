package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaosmesh/ledger/app/services/ledger/handlers"
	"github.com/chaosmesh/ledger/foundation/blockchain/database"
	"github.com/chaosmesh/ledger/foundation/blockchain/genesis"
	"github.com/chaosmesh/ledger/foundation/blockchain/pow"
	"github.com/chaosmesh/ledger/foundation/blockchain/state"
	"github.com/chaosmesh/ledger/foundation/blockchain/storage/disk"
	"github.com/chaosmesh/ledger/foundation/blockchain/storage/sqlite"
	"github.com/chaosmesh/ledger/foundation/blockchain/submission"
	"github.com/chaosmesh/ledger/foundation/events"
	"github.com/chaosmesh/ledger/foundation/logger"
	"github.com/ardanlabs/conf/v3"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("LEDGER")
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

	// This is all the configuration for the application and the default values.
	// Zero values in the State overrides keep the genesis file values.
	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
		}
		Submission struct {
			Host         string        `conf:"default:0.0.0.0:5050"`
			Workers      int           `conf:"default:8"`
			QueueDepth   int           `conf:"default:64"`
			ReadTimeout  time.Duration `conf:"default:10s"`
			WriteTimeout time.Duration `conf:"default:5s"`
		}
		State struct {
			Storage         string `conf:"default:disk,help:disk or sqlite"`
			DBPath          string `conf:"default:zblock/ledger.json"`
			GenesisPath     string `conf:"default:zblock/genesis.json"`
			MinDifficulty   uint64 `conf:"help:overrides the genesis min_difficulty"`
			TargetBlockTime uint64 `conf:"help:overrides the genesis target_block_time in seconds"`
			EpochLength     uint64 `conf:"help:overrides the genesis epoch_length"`
		}
		PoW struct {
			Time        uint32 `conf:"default:2"`
			Memory      uint32 `conf:"default:65536,help:KiB"`
			Parallelism uint8  `conf:"default:1"`
			HashLen     uint32 `conf:"default:32"`
			SaltLen     uint32 `conf:"default:16"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "entropy ledger: accepts argon2id proofs of work from miners",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags.
	const prefix = "LEDGER"
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

	fmt.Println(`  _     _____ ____   ____ _____ ____  `)
	fmt.Println(` | |   | ____|  _ \ / ___| ____|  _ \ `)
	fmt.Println(` | |   |  _| | | | | |  _|  _| | |_) |`)
	fmt.Println(` | |___| |___| |_| | |_| | |___|  _ < `)
	fmt.Println(` |_____|_____|____/ \____|_____|_| \_\`)
	fmt.Print("\n")

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Blockchain Support

	gen, err := loadGenesis(log, cfg.State.GenesisPath)
	if err != nil {
		return err
	}

	if cfg.State.MinDifficulty > 0 {
		gen.MinDifficulty = cfg.State.MinDifficulty
	}
	if cfg.State.TargetBlockTime > 0 {
		gen.TargetBlockTime = cfg.State.TargetBlockTime
	}
	if cfg.State.EpochLength > 0 {
		gen.EpochLength = cfg.State.EpochLength
	}
	gen.Difficulty = max(gen.Difficulty, gen.MinDifficulty)

	// The blockchain packages accept a function of this signature to allow the
	// application to log. These raw messages are also sent to any websocket
	// client that is connected into the system through the events package.
	evts := events.New()
	ev := func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		evts.Send(s)
	}

	strg, err := openStorage(cfg.State.Storage, cfg.State.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	// The state value owns the chain and the difficulty and is the only
	// writer to storage.
	st, err := state.New(state.Config{
		Genesis:   gen,
		Storage:   strg,
		EvHandler: ev,
	})
	if err != nil {
		strg.Close()
		return err
	}
	defer st.Shutdown()

	// The ledger only verifies proofs so the engine never draws a salt.
	engine, err := pow.New(pow.Config{
		Params: pow.Params{
			Time:        cfg.PoW.Time,
			Memory:      cfg.PoW.Memory,
			Parallelism: cfg.PoW.Parallelism,
			HashLen:     cfg.PoW.HashLen,
			SaltLen:     cfg.PoW.SaltLen,
		},
		EvHandler: ev,
	})
	if err != nil {
		return fmt.Errorf("constructing pow engine: %w", err)
	}

	log.Infow("startup", "status", "ledger loaded", "height", st.Height(), "difficulty", st.Difficulty(),
		"latest", st.LatestBlock().Hash)

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug v1 router started", "host", cfg.Web.DebugHost)

	// Construct the mux for the debug calls.
	debugMux := handlers.DebugMux(build, log, st)

	// Start the service listening for debug requests.
	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debugMux); err != nil {
			log.Errorw("shutdown", "status", "debug v1 router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 2)

	// =========================================================================
	// Start Submission Service

	log.Infow("startup", "status", "initializing submission server")

	sub, err := submission.New(submission.Config{
		Host:         cfg.Submission.Host,
		Ledger:       st,
		Verifier:     engine,
		Workers:      cfg.Submission.Workers,
		QueueDepth:   cfg.Submission.QueueDepth,
		ReadTimeout:  cfg.Submission.ReadTimeout,
		WriteTimeout: cfg.Submission.WriteTimeout,
		EvHandler:    ev,
	})
	if err != nil {
		return fmt.Errorf("constructing submission server: %w", err)
	}

	go func() {
		log.Infow("startup", "status", "submission server started", "host", cfg.Submission.Host)
		serverErrors <- sub.ListenAndServe()
	}()

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing V1 public API support")

	// Construct the mux for the public API calls.
	publicMux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
		Evts:     evts,
	})

	// Construct a server to service the requests against the mux.
	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      publicMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Give outstanding submissions a deadline for completion.
		ctx, cancelSub := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelSub()

		// Stop accepting miners and let the workers drain the queue.
		log.Infow("shutdown", "status", "shutdown submission server started")
		if err := sub.Shutdown(ctx); err != nil {
			return fmt.Errorf("could not stop submission server gracefully: %w", err)
		}

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		// Give outstanding requests a deadline for completion.
		ctx, cancelPub := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPub()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown public API started")
		if err := public.Shutdown(ctx); err != nil {
			public.Close()
			return fmt.Errorf("could not stop public service gracefully: %w", err)
		}
	}

	return nil
}

// loadGenesis reads the genesis file, falling back to the defaults when
// there is no file.
func loadGenesis(log *zap.SugaredLogger, path string) (genesis.Genesis, error) {
	gen, err := genesis.Load(path)
	switch {
	case err == nil:
		return gen, nil

	case errors.Is(err, os.ErrNotExist):
		log.Infow("startup", "status", "genesis file not found, using defaults", "path", path)
		return genesis.Default(), nil

	default:
		return genesis.Genesis{}, fmt.Errorf("loading genesis: %w", err)
	}
}

// openStorage constructs the storage kind selected by configuration.
func openStorage(kind string, path string) (database.Storage, error) {
	switch kind {
	case "disk":
		return disk.New(path)
	case "sqlite":
		return sqlite.New(path)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", kind)
	}
}
