// Package app assembles the runtime from config: database, ledger
// backend, coordinator, syncer, and HTTP server wiring.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"traceline/internal/config"
	"traceline/internal/coordinator"
	"traceline/internal/db"
	"traceline/internal/ledger"
	"traceline/internal/migrate"
	"traceline/internal/repo"
	"traceline/internal/resolver"
	"traceline/internal/syncer"
)

// Runtime holds every wired component for one workspace.
type Runtime struct {
	Config      *config.Config
	DB          *sql.DB
	Repo        repo.Repo
	Ledger      ledger.Client
	Registry    *ledger.Registry
	Resolver    *resolver.Resolver
	Coordinator coordinator.Coordinator
	Syncer      syncer.Syncer
	Log         logrus.FieldLogger
}

// Open builds the runtime for a workspace. The caller owns Close.
// identity selects the ledger signing identity; empty falls back to
// the configured default.
func Open(ctx context.Context, workspace, identity string, cfg *config.Config, log logrus.FieldLogger) (*Runtime, error) {
	if cfg == nil {
		loaded, err := config.LoadOptional(workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, log); err != nil {
		conn.Close()
		return nil, err
	}

	client, err := openLedger(ctx, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if identity == "" {
		identity = cfg.Ledger.Identity
	}
	if identity == "" {
		identity = "local-user"
	}

	sub := ledger.NewSubmitter(client, log)
	if timeout := cfg.Ledger.ConfirmTimeout.Std(); timeout > 0 {
		sub.ConfirmTimeout = timeout
	}
	registry := ledger.NewRegistry(client, sub, identity)

	r := repo.Repo{DB: conn}
	res := resolver.New(r, registry, log)
	coord := coordinator.New(conn, registry, res, log)
	sync := syncer.New(r, coord.Events, registry, res, log)

	return &Runtime{
		Config:      cfg,
		DB:          conn,
		Repo:        r,
		Ledger:      client,
		Registry:    registry,
		Resolver:    res,
		Coordinator: coord,
		Syncer:      sync,
		Log:         log,
	}, nil
}

// Close releases the database handle.
func (rt *Runtime) Close() error {
	if rt == nil || rt.DB == nil {
		return nil
	}
	return rt.DB.Close()
}

func openLedger(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (ledger.Client, error) {
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		return ledger.NewMemoryLedger(), nil
	case config.BackendEthereum:
		return ledger.DialEthereum(ctx, ledger.EthereumConfig{
			RPCURL:   cfg.Ledger.RPCURL,
			ChainID:  cfg.Ledger.ChainID,
			GasLimit: cfg.Ledger.GasLimit,
			Contracts: map[string]string{
				ledger.ContractBatchRegistry:     cfg.Ledger.Contracts.BatchRegistry,
				ledger.ContractInspectionManager: cfg.Ledger.Contracts.InspectionManager,
			},
			Keys: cfg.Ledger.Keys,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported ledger backend %q", cfg.Ledger.Backend)
	}
}
