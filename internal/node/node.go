// Package node assembles the relayer daemon: storage, signing key, ledger
// endpoints, the reconciliation loop, the live listener and the health
// server.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/recurve-relayer/config"
	"github.com/Klingon-tech/recurve-relayer/internal/discovery"
	"github.com/Klingon-tech/recurve-relayer/internal/endpoint"
	"github.com/Klingon-tech/recurve-relayer/internal/health"
	"github.com/Klingon-tech/recurve-relayer/internal/ledger"
	klog "github.com/Klingon-tech/recurve-relayer/internal/log"
	"github.com/Klingon-tech/recurve-relayer/internal/payment"
	"github.com/Klingon-tech/recurve-relayer/internal/relayer"
	"github.com/Klingon-tech/recurve-relayer/internal/retry"
	"github.com/Klingon-tech/recurve-relayer/internal/signer"
	"github.com/Klingon-tech/recurve-relayer/internal/state"
	"github.com/Klingon-tech/recurve-relayer/internal/storage"
	"github.com/Klingon-tech/recurve-relayer/internal/upkeep"
)

// Options overrides how the node reaches the outside world. The zero
// value is what the daemon uses.
type Options struct {
	// Lookup reads PRIVATE_KEY (default os.LookupEnv).
	Lookup config.LookupFunc
	// Password unlocks an encrypted key file.
	Password func() ([]byte, error)

	// DB replaces the Badger state database. The node closes it on Stop.
	DB storage.DB
	// Dial replaces ledger.Dial for the RPC endpoints.
	Dial endpoint.DialFunc
	// LiveDial replaces ledger.Dial against the websocket endpoint.
	LiveDial discovery.LiveDialFunc
	// SkipLogInit leaves the global logger alone.
	SkipLogInit bool
}

// Node is a fully-initialized relayer.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	db     storage.DB
	store  *state.Store
	sched  *retry.Scheduler
	signer *signer.Signer

	relayer  *relayer.Relayer
	listener *discovery.Listener
	health   *health.State
	server   *health.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a node. It opens storage, loads the key and
// starts the health server, but does NOT start the loop. Call Start for that.
func New(cfg *config.Config, opts Options) (*Node, error) {
	if !opts.SkipLogInit {
		logFile := cfg.Log.File
		if logFile == "" {
			if err := os.MkdirAll(cfg.LogsDir(), 0755); err != nil {
				return nil, fmt.Errorf("creating logs dir: %w", err)
			}
			logFile = filepath.Join(cfg.LogsDir(), "relayer.log")
		}
		if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
			return nil, fmt.Errorf("initializing logger: %w", err)
		}
	}
	logger := klog.WithComponent("node")
	if opts.Lookup == nil {
		opts.Lookup = os.LookupEnv
	}

	logger.Info().
		Str("version", config.Version).
		Str("contract", cfg.Ledger.Contract).
		Strs("rpc", cfg.Ledger.RPC).
		Dur("interval", cfg.Relayer.Interval).
		Msg("Starting Recurve relayer")

	// Signing key.
	envKey, _ := opts.Lookup(config.EnvPrivateKey)
	sig, err := signer.Load(signer.Options{
		EnvKey:       envKey,
		File:         cfg.Key.File,
		Encrypted:    cfg.Key.Encrypted,
		Password:     opts.Password,
		MnemonicFile: cfg.Key.MnemonicFile,
		Index:        cfg.Key.Index,
	})
	if err != nil {
		return nil, fmt.Errorf("load relayer key: %w", err)
	}
	logger.Info().
		Str("address", sig.Address().Hex()).
		Str("source", sig.Source()).
		Msg("Relayer key loaded")

	// Storage.
	db := opts.DB
	if db == nil {
		bdb, err := storage.NewBadger(cfg.StateDir())
		if err != nil {
			sig.Close()
			return nil, err
		}
		db = bdb
		logger.Info().Str("path", cfg.StateDir()).Msg("State database opened")
	}

	store := state.Open(db, klog.Storage)
	sched, err := retry.New(store, cfg.Retry.Delays, klog.Retry)
	if err != nil {
		sig.Close()
		db.Close()
		return nil, fmt.Errorf("retry scheduler: %w", err)
	}
	if cursor, ok, _ := store.Cursor(); ok {
		logger.Info().Uint64("cursor", cursor).Int("watched", store.WatchLen()).Msg("State restored")
	}

	n := &Node{
		cfg:    cfg,
		logger: logger,
		db:     db,
		store:  store,
		sched:  sched,
		signer: sig,
		health: health.NewState(),
	}

	dial := opts.Dial
	if dial == nil {
		dial = n.dialRPC
	}
	resolver := endpoint.New(endpoint.Options{
		Endpoints: cfg.Ledger.RPC,
		Dial:      dial,
		ChainID:   cfg.Ledger.ChainID,
		Attempts:  cfg.Ledger.ProbeAttempts,
		Delay:     cfg.Ledger.ProbeDelay,
	}, klog.Endpoint)

	n.relayer = relayer.New(relayer.Deps{
		Resolver:  resolver,
		Store:     store,
		Scheduler: sched,
		Scanner: discovery.NewScanner(store, discovery.ScanOptions{
			ChunkSize:      cfg.Scan.ChunkSize,
			RecentWindow:   cfg.Scan.RecentWindow,
			StaleThreshold: cfg.Scan.StaleThreshold,
			StartBlock:     cfg.Scan.StartBlock,
		}, klog.Discovery),
		Checker:  upkeep.NewChecker(klog.Relayer),
		Executor: payment.NewExecutor(sched, cfg.Retry.ReasonMax, klog.Payment),
		Health:   n.health,
		Interval: cfg.Relayer.Interval,
	}, klog.Relayer)

	if cfg.Live.Enabled {
		liveDial := opts.LiveDial
		if liveDial == nil && cfg.Ledger.WS != "" {
			liveDial = n.dialLive
		}
		if liveDial != nil {
			n.listener = discovery.NewListener(store, discovery.ListenerOptions{
				Dial:            liveDial,
				ReconnectDelay:  cfg.Live.ReconnectDelay,
				SetupRetryDelay: cfg.Live.SetupRetryDelay,
			}, klog.Discovery)
		} else {
			logger.Warn().Msg("live.enabled is true but no websocket endpoint is set; relying on range scans")
		}
	}

	if cfg.Health.Enabled {
		n.server = health.NewServer(cfg.HealthListenAddr(), n.health, klog.Health)
		if err := n.server.Start(); err != nil {
			sig.Close()
			db.Close()
			return nil, fmt.Errorf("start health server at %s: %w", cfg.HealthListenAddr(), err)
		}
		logger.Info().Str("addr", n.server.Addr()).Msg("Health server started")
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

func (n *Node) ledgerOptions() ledger.Options {
	return ledger.Options{
		Contract:       common.HexToAddress(n.cfg.Ledger.Contract),
		Key:            n.signer.Key(),
		ConfirmTimeout: n.cfg.Payment.ConfirmTimeout,
	}
}

func (n *Node) dialRPC(ctx context.Context, url string) (ledger.Ledger, error) {
	c, err := ledger.Dial(ctx, url, n.ledgerOptions())
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (n *Node) dialLive(ctx context.Context) (discovery.LiveConn, error) {
	opts := n.ledgerOptions()
	opts.Key = nil // read-only
	c, err := ledger.Dial(ctx, n.cfg.Ledger.WS, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Start launches background goroutines: the reconciliation loop and, when
// configured, the live listener.
func (n *Node) Start() error {
	if n.ctx.Err() != nil {
		return errors.New("node already stopped")
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.relayer.Run(n.ctx)
	}()

	if n.listener != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.listener.Run(n.ctx)
		}()
		n.logger.Info().Str("ws", n.cfg.Ledger.WS).Msg("Live listener started")
	}

	n.logger.Info().
		Str("address", n.signer.Address().Hex()).
		Dur("interval", n.cfg.Relayer.Interval).
		Msg("Relayer running")
	return nil
}

// Stop performs graceful shutdown in reverse order. An in-flight tick
// finishes its current step before the loop exits.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.server != nil {
		if err := n.server.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("Health server shutdown")
		}
	}
	if n.signer != nil {
		n.signer.Close()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// HealthAddr returns the address the health server is listening on.
func (n *Node) HealthAddr() string {
	if n.server == nil {
		return ""
	}
	return n.server.Addr()
}

// Address returns the relayer's signing address.
func (n *Node) Address() common.Address {
	return n.signer.Address()
}

// Health returns the current liveness report.
func (n *Node) Health() health.Report {
	return n.health.Snapshot()
}

// Tick runs one reconciliation cycle outside the loop.
func (n *Node) Tick(ctx context.Context) relayer.TickReport {
	return n.relayer.Tick(ctx)
}
