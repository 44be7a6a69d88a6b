// Package app assembles stores, metrics and the case service from the
// loaded configuration. The HTTP server, the MCP server and the CLI all
// start from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/dmiyatamd-byte/height-riona-app/internal/config"
	"github.com/dmiyatamd-byte/height-riona-app/internal/database"
	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
	"github.com/dmiyatamd-byte/height-riona-app/internal/metrics"
	"github.com/dmiyatamd-byte/height-riona-app/internal/service"
	"github.com/dmiyatamd-byte/height-riona-app/internal/store"
)

// App owns every long-lived resource of a process.
type App struct {
	Config   *domain.Config
	Logger   *logrus.Logger
	Service  *service.CaseService
	Metrics  *metrics.Manager
	Registry *prometheus.Registry

	checks  map[string]func(ctx context.Context) error
	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// New connects the configured stores and builds the service. The caller
// owns the logger; Close releases everything else.
func New(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
		checks: make(map[string]func(ctx context.Context) error),
	}

	cases, models, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var opts []service.Option
	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector())
		a.Metrics = metrics.NewManager(cfg.Metrics.Namespace, cfg.Metrics.Subsystem, a.Registry)
		opts = append(opts, service.WithMetrics(a.Metrics))
	}
	a.Service = service.NewCaseService(cases, models, cfg.Calibration, logger, opts...)

	logger.WithFields(logrus.Fields{
		"driver":      cfg.Storage.Driver,
		"model_store": cfg.Storage.ModelStore,
		"metrics":     cfg.Metrics.Enabled,
	}).Info("Application initialized")
	return a, nil
}

func (a *App) openStores(ctx context.Context) (domain.CaseStore, domain.ModelStore, error) {
	var (
		cases  domain.CaseStore
		models domain.ModelStore
	)

	switch a.Config.Storage.Driver {
	case domain.StoragePostgres:
		dbCfg := database.ConfigFromDomain(a.Config.Database)
		if err := a.migrate(ctx, dbCfg.URL(), database.DirectionUp); err != nil {
			return nil, nil, err
		}
		db, err := database.NewConnection(ctx, dbCfg, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, closerFunc(func() error { db.Close(); return nil }))
		a.checks["database"] = db.Health
		cases = store.NewPostgresCaseStore(db.Pool, a.Logger)

		if a.Config.Storage.ModelStore == domain.ModelStoreSQL {
			pm, err := store.NewPostgresModelStoreFromURL(dbCfg.URL())
			if err != nil {
				return nil, nil, err
			}
			a.closers = append(a.closers, pm)
			models = pm
		}
	default:
		if err := config.EnsureDataDir(&a.Config.Storage); err != nil {
			return nil, nil, err
		}
		st, err := store.NewSQLiteStore(a.Config.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, st)
		a.checks["sqlite"] = st.Ping
		cases = st
		if a.Config.Storage.ModelStore == domain.ModelStoreSQL {
			models = st
		}
	}

	if a.Config.Storage.ModelStore == domain.ModelStoreRedis {
		rm, err := store.NewRedisModelStore(a.Config.Cache)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, rm)
		a.checks["redis"] = rm.Ping
		models = rm
	}
	if models == nil {
		return nil, nil, fmt.Errorf("unsupported model store: %s", a.Config.Storage.ModelStore)
	}
	return cases, models, nil
}

// migrate applies the schema migrations at url.
func (a *App) migrate(ctx context.Context, url, direction string) error {
	runner, err := database.NewMigrationRunner(url, a.Config.Storage.MigrationsPath, a.Logger)
	if err != nil {
		return err
	}
	defer runner.Close()
	return runner.Apply(ctx, direction)
}

// Migrate runs schema migrations against the configured Postgres database.
func Migrate(ctx context.Context, cfg *domain.Config, logger *logrus.Logger, direction string) error {
	if cfg.Storage.Driver != domain.StoragePostgres {
		return fmt.Errorf("migrations apply to the postgres driver only (driver is %s)", cfg.Storage.Driver)
	}
	a := &App{Config: cfg, Logger: logger}
	return a.migrate(ctx, database.ConfigFromDomain(cfg.Database).URL(), direction)
}

// Health runs every backend check and returns the per-backend status.
func (a *App) Health(ctx context.Context) (map[string]string, error) {
	status := make(map[string]string, len(a.checks))
	var errs []error
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			status[name] = "unhealthy"
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		status[name] = "healthy"
	}
	return status, errors.Join(errs...)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
