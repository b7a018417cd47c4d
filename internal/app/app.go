package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"zw-go/internal/api"
	"zw-go/internal/archive"
	"zw-go/internal/config"
	"zw-go/internal/database"
	"zw-go/internal/encryption"
	"zw-go/internal/witness"
)

// App is the wiring layer between the CLI and the witness engine. It
// constructs all dependencies from config and manages their lifecycle.
type App struct {
	cfg       *config.Config
	store     *database.SQLiteStore
	engine    *witness.Engine
	scheduler *witness.Scheduler
	server    *api.Server
	archiver  *archive.Archiver
	encryptor witness.Encryptor
	logger    witness.Logger
	logFile   *os.File
}

// NewApp creates a fully wired App from the given config. The caller must
// call Close when done.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	slogger, logFile, err := newLogger(cfg.LogDir)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	store, err := database.NewStoreFromConfig(cfg.Database)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := witness.NewMetrics(registry)

	engine := witness.NewEngine(store, logger, witness.RealClock{}, witness.UUIDGenerator{}, engineParams(cfg.Sync), metrics)

	scheduler := witness.NewScheduler(engine, logger, witness.RealClock{},
		time.Duration(cfg.Sync.PassIntervalSeconds)*time.Second)

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	arc, err := archive.NewArchiveFromConfig(ctx, cfg.Archive)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	archiver := archive.NewArchiver(store, arc, enc, witness.RealClock{}, logger, cfg.Archive.EveryPasses)
	scheduler.OnPass(archiver.PushIfDue)

	server := api.NewServer(engine, store, logger, registry)

	return &App{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		scheduler: scheduler,
		server:    server,
		archiver:  archiver,
		encryptor: enc,
		logger:    logger,
		logFile:   logFile,
	}, nil
}

func engineParams(cfg config.SyncConfig) witness.Params {
	p := witness.DefaultParams()
	if cfg.WindowHours > 0 {
		p.Window = time.Duration(cfg.WindowHours) * time.Hour
	}
	if cfg.CheckpointSuffix != "" {
		p.CheckpointSuffix = cfg.CheckpointSuffix
	}
	if cfg.HeartbeatTimeoutSeconds > 0 {
		p.HeartbeatTimeout = time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second
	}
	if cfg.SyncTimeoutMinutes > 0 {
		p.SyncTimeout = time.Duration(cfg.SyncTimeoutMinutes) * time.Minute
	}
	if cfg.DegradedAfterFailures > 0 {
		p.DegradedAfter = cfg.DegradedAfterFailures
	}
	if cfg.SizeMismatchRatio > 0 {
		p.SizeMismatchRatio = cfg.SizeMismatchRatio
	}
	if cfg.TimestampToleranceSeconds > 0 {
		p.TimestampTolerance = time.Duration(cfg.TimestampToleranceSeconds) * time.Second
	}
	return p
}

// Serve runs the scheduler and the HTTP listener until ctx is cancelled or
// the listener fails.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- a.scheduler.Run(ctx)
	}()

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	a.logger.Info("witness listening", "addr", addr)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.Run(addr)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case err := <-schedErr:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	}
}

// RunPassOnce triggers one reconciliation pass for every enabled group.
func (a *App) RunPassOnce(ctx context.Context) error {
	return a.engine.RunAllPasses(ctx)
}

// Engine exposes the engine for CLI commands.
func (a *App) Engine() *witness.Engine { return a.engine }

// Store exposes the store for CLI commands.
func (a *App) Store() witness.Store { return a.store }

// SetupKeys generates the archive encryption key pair.
func (a *App) SetupKeys(passphrase string) error {
	return a.encryptor.Setup(passphrase)
}

// ArchivePush uploads an encrypted copy of the witness database now.
func (a *App) ArchivePush(ctx context.Context) (string, error) {
	return a.archiver.Push(ctx)
}

// ArchiveRestore downloads and decrypts an archive (the newest when name is
// empty) to destPath.
func (a *App) ArchiveRestore(ctx context.Context, name, destPath, passphrase string) error {
	dec, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking archive key: %w", err)
	}
	return a.archiver.Restore(ctx, name, destPath, dec)
}

// Close releases the database and log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = err
	}
	if err := a.logFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
