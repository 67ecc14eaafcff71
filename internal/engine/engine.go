// Package engine assembles the policy table, ledger, evaluator, drift
// monitor and governance auditor from a config.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nv262-lab/vaa-research/internal/config"
	"github.com/nv262-lab/vaa-research/internal/decision"
	"github.com/nv262-lab/vaa-research/internal/drift"
	"github.com/nv262-lab/vaa-research/internal/governance"
	"github.com/nv262-lab/vaa-research/internal/ledger"
	"github.com/nv262-lab/vaa-research/internal/ledger/pgstore"
	"github.com/nv262-lab/vaa-research/internal/ledger/sqlstore"
	"github.com/nv262-lab/vaa-research/internal/policy"
	"github.com/nv262-lab/vaa-research/internal/telemetry"
)

type Engine struct {
	Config    config.Config
	Policy    policy.LoadedPolicy
	Store     ledger.Store
	Evaluator *decision.Evaluator
	Monitor   *drift.Monitor
	Auditor   *governance.Auditor
	Logger    *slog.Logger

	provider *telemetry.Provider
}

// OpenStore opens the configured ledger backend and applies migrations.
// An empty or "memory" driver returns an in-memory ledger.
func OpenStore(ctx context.Context, db config.DBConfig) (ledger.Store, error) {
	if db.Driver == "" || strings.EqualFold(db.Driver, "memory") {
		return ledger.NewInMemoryStore(), nil
	}
	driver, err := ledger.ParseDriver(db.Driver)
	if err != nil {
		return nil, err
	}

	switch driver {
	case ledger.DBSQLite:
		store, err := sqlstore.OpenSQLite(db.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if _, err := ledger.Migrate(ctx, store.DB(), driver); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return store, nil
	case ledger.DBPostgres:
		store, err := pgstore.OpenPostgres(db.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if _, err := ledger.Migrate(ctx, store.DB(), driver); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", driver)
	}
}

// New loads the policy, opens the ledger, installs telemetry and builds
// the components. The policy version is recorded in the ledger store.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, version string) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loaded, err := policy.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", cfg.PolicyPath, err)
	}

	provider, err := telemetry.Setup(ctx, cfg.TelemetryOptions(version))
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewMetrics(telemetry.Meter())
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}

	store, err := OpenStore(ctx, cfg.DB)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	if err := store.PutPolicyVersion(ctx, ledger.PolicyVersionRecord{
		PolicyHash:    loaded.Hash,
		PolicyID:      loaded.Document.PolicyID,
		PolicyVersion: loaded.Document.PolicyVersion,
		PolicyYAML:    string(loaded.Bytes),
	}); err != nil {
		_ = store.Close()
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("record policy version: %w", err)
	}

	e := &Engine{
		Config:   cfg,
		Policy:   loaded,
		Store:    store,
		Logger:   logger,
		provider: provider,
	}
	e.Evaluator = decision.NewEvaluator(loaded.Table, store,
		decision.WithMetrics(metrics),
		decision.WithTracer(provider.Tracer()),
		decision.WithLogger(logger.With("component", "decision")),
	)
	if e.Monitor, err = drift.NewMonitor(store, cfg.Drift,
		drift.WithMetrics(metrics),
		drift.WithLogger(logger.With("component", "drift")),
	); err != nil {
		_ = e.Close(ctx)
		return nil, err
	}
	if e.Auditor, err = governance.NewAuditor(store, cfg.Governance,
		governance.WithMetrics(metrics),
		governance.WithLogger(logger.With("component", "governance")),
	); err != nil {
		_ = e.Close(ctx)
		return nil, err
	}

	logger.InfoContext(ctx, "engine ready",
		"policy_id", loaded.Document.PolicyID,
		"policy_version", loaded.Document.PolicyVersion,
		"policy_hash", loaded.Hash,
		"metric_kinds", loaded.Table.Kinds(),
		"db_driver", cfg.DB.Driver,
	)
	return e, nil
}

// Close releases the ledger and flushes telemetry.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.Store != nil {
		errs = append(errs, e.Store.Close())
	}
	if e.provider != nil {
		errs = append(errs, e.provider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
