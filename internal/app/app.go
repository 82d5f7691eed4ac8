// Package app assembles the stores, remote client, payment bus, and sync
// engine described by a config. The daemon and the mobile bridge share it.
package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/kimhsiao/feesync/internal/config"
	"github.com/kimhsiao/feesync/internal/crypto"
	"github.com/kimhsiao/feesync/internal/db"
	"github.com/kimhsiao/feesync/internal/events"
	"github.com/kimhsiao/feesync/internal/logging"
	"github.com/kimhsiao/feesync/internal/optimistic"
	"github.com/kimhsiao/feesync/internal/receipts"
	"github.com/kimhsiao/feesync/internal/storage"
	feesync "github.com/kimhsiao/feesync/internal/sync"
	"github.com/kimhsiao/feesync/internal/sync/connectivity"
	"github.com/kimhsiao/feesync/internal/sync/queue"
	"github.com/kimhsiao/feesync/internal/sync/remote"
	"github.com/kimhsiao/feesync/internal/sync/schema"
)

// App holds everything one process owns.
type App struct {
	Config   config.Config
	Engine   *feesync.Engine
	Bus      *events.Bus
	Flags    *events.RefreshFlags
	Writes   *optimistic.Facade
	Receipts *receipts.Counter
	Settings receipts.SettingsStore

	closers []io.Closer
}

// InitLogging routes the global logger to cfg.File (rotated) or stderr.
func InitLogging(cfg config.LogConfig) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.File != "" {
		logging.InitFile(cfg.File, level, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		return
	}
	logging.Init(os.Stderr, level)
}

// MachineID returns the key used for sealed credentials.
func MachineID(cfg config.Config) string {
	if cfg.App.MachineID != "" {
		return cfg.App.MachineID
	}
	return crypto.MachineID()
}

type stores struct {
	queue  queue.Store
	kv     storage.KV
	ledger receipts.IssuedLedger
}

func openStores(cfg config.Config) (stores, []io.Closer, error) {
	switch cfg.Store.Driver {
	case config.StoreSQLite:
		database, err := db.Open(cfg.StorePath())
		if err != nil {
			return stores{}, nil, err
		}
		return stores{
			queue:  queue.NewSQLiteStore(database.DB),
			kv:     storage.NewSQLiteKV(database.DB),
			ledger: receipts.NewSQLiteLedger(database.DB),
		}, []io.Closer{database}, nil

	case config.StoreFile:
		kv, err := storage.NewFileKV(cfg.StorePath())
		if err != nil {
			return stores{}, nil, err
		}
		// The issued-number ledger needs a uniqueness constraint, so it lives
		// in SQLite next to the file store.
		database, err := db.Open(cfg.App.DataDir)
		if err != nil {
			return stores{}, nil, err
		}
		return stores{
			queue:  queue.NewKVStore(kv),
			kv:     kv,
			ledger: receipts.NewSQLiteLedger(database.DB),
		}, []io.Closer{database}, nil

	case config.StoreMemory:
		kv := storage.NewMemoryKV()
		return stores{
			queue:  queue.NewKVStore(kv),
			kv:     kv,
			ledger: receipts.NewMemoryLedger(),
		}, nil, nil
	}
	return stores{}, nil, fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
}

// OpenRemote builds the client for cfg. Sealed DSNs and API keys are opened
// with machineID first.
func OpenRemote(cfg config.RemoteConfig, machineID string) (remote.Client, io.Closer, error) {
	switch cfg.Driver {
	case config.RemotePostgres:
		dsn, err := crypto.Reveal(cfg.DSN, machineID)
		if err != nil {
			return nil, nil, fmt.Errorf("open sealed remote.dsn: %w", err)
		}
		c, err := remote.NewPostgresClient(dsn)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case config.RemoteHTTP:
		key, err := crypto.Reveal(cfg.APIKey, machineID)
		if err != nil {
			return nil, nil, fmt.Errorf("open sealed remote.api_key: %w", err)
		}
		return remote.NewHTTPClient(cfg.BaseURL, key, cfg.Timeout), nil, nil
	case config.RemoteMemory:
		return remote.NewMemoryClient(), nil, nil
	default:
		return remote.Unconfigured{}, nil, nil
	}
}

// NewProber picks the reachability check configured for the monitor, or nil
// when transitions are only reported by the platform.
func NewProber(cfg config.ConnectivityConfig) connectivity.Prober {
	switch {
	case cfg.ProbeURL != "":
		return connectivity.HTTPProber{URL: cfg.ProbeURL}
	case cfg.ProbeAddress != "":
		return connectivity.DialProber{Address: cfg.ProbeAddress}
	}
	return nil
}

// New wires the components described by cfg. The engine is not started.
func New(cfg config.Config) (*App, error) {
	st, closers, err := openStores(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{Config: cfg, closers: closers}

	client, closer, err := OpenRemote(cfg.Remote, MachineID(cfg))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open remote: %w", err)
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	validator, err := schema.NewValidator(cfg.Schema.Dir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	probeSchedule := ""
	prober := NewProber(cfg.Connectivity)
	if prober != nil {
		probeSchedule = cfg.Connectivity.ProbeSchedule
	}

	a.Bus = events.NewBus(st.kv)
	a.Flags = a.Bus.Flags()
	a.Engine = feesync.NewEngine(st.queue, st.kv, client,
		feesync.WithConfig(feesync.Config{
			BatchSize:     cfg.Sync.BatchSize,
			Debounce:      cfg.Sync.Debounce,
			MaxRetries:    cfg.Sync.MaxRetries,
			Periodic:      cfg.Sync.Periodic,
			ProbeSchedule: probeSchedule,
		}),
		feesync.WithMonitor(connectivity.New(prober, cfg.Connectivity.Timeout)),
		feesync.WithBus(a.Bus),
		feesync.WithValidator(validator),
	)
	a.Writes = optimistic.New(a.Engine)
	a.Settings = receipts.NewKVSettingsStore(st.kv)
	a.Receipts = receipts.NewCounter(a.Settings, st.ledger)
	return a, nil
}

// Start starts the engine.
func (a *App) Start(ctx context.Context) error {
	return a.Engine.Start(ctx)
}

// Close stops the engine and releases stores in reverse order of opening.
func (a *App) Close() error {
	if a.Engine != nil {
		a.Engine.Stop()
	}
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
