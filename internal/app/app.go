// Package app wires the backup services shared by backupd and backupctl.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/config"
	"github.com/edvin/backupd/internal/core"
	"github.com/edvin/backupd/internal/crypto"
	"github.com/edvin/backupd/internal/db"
	"github.com/edvin/backupd/internal/deployer"
	"github.com/edvin/backupd/internal/dump"
	"github.com/edvin/backupd/internal/externalsvc"
	"github.com/edvin/backupd/internal/notify"
	"github.com/edvin/backupd/internal/storage"
)

// App holds the records pool and every service built on it.
type App struct {
	Pool             *pgxpool.Pool
	Store            *core.PGStore
	Registry         *externalsvc.Registry
	Backups          *core.BackupService
	Sources          *core.SourceService
	Schedules        *core.ScheduleService
	ExternalServices *core.ExternalServiceService
}

// New connects to the records database and builds the services. An
// unsupported target database backend is returned as an error.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	vault, err := crypto.NewVault(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init credential vault: %w", err)
	}

	tlsConfig, err := cfg.DockerTLS()
	if err != nil {
		return nil, fmt.Errorf("configure docker TLS: %w", err)
	}
	docker := deployer.NewDockerDeployer(cfg.DockerHost, tlsConfig)

	dumper, restorer, err := dump.NewExecutors(dump.Options{
		DatabaseURL:   cfg.TargetDatabaseURL,
		DumpImage:     cfg.DumpImage,
		PgRestorePath: cfg.PgRestorePath,
		Runtime:       docker,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("configure dump executors: %w", err)
	}

	serverConfig, err := cfg.Snapshot()
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	store := core.NewPGStore(pool)

	registry := externalsvc.NewRegistry(store, vault, logger)
	registry.Register(externalsvc.NewPostgresPlugin(docker, cfg.TempDir, logger))

	var notifier notify.Dispatcher = notify.NewLogDispatcher(logger)
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookDispatcher(cfg.NotifyWebhookURL, cfg.NotifyWebhookTemplate, logger)
	}

	backups := core.NewBackupService(core.BackupDeps{
		Store:        store,
		Vault:        vault,
		Storage:      storage.DefaultFactory,
		Dumper:       dumper,
		Restorer:     restorer,
		Services:     registry,
		Notifier:     notifier,
		ServerConfig: serverConfig,
		TempDir:      cfg.TempDir,
		Logger:       logger,
	})

	return &App{
		Pool:             pool,
		Store:            store,
		Registry:         registry,
		Backups:          backups,
		Sources:          core.NewSourceService(store, vault, logger),
		Schedules:        core.NewScheduleService(store, logger, nil),
		ExternalServices: core.NewExternalServiceService(store, vault, registry, logger),
	}, nil
}

// Close releases the records pool.
func (a *App) Close() {
	a.Pool.Close()
}
