package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aretw0/sheaf"
	"github.com/aretw0/sheaf/internal/config"
	"github.com/aretw0/sheaf/internal/ledger"
	"github.com/aretw0/sheaf/internal/logging"
	"github.com/aretw0/sheaf/pkg/adapters/memory"
	"github.com/aretw0/sheaf/pkg/adapters/postgres"
	redisAdapter "github.com/aretw0/sheaf/pkg/adapters/redis"
	"github.com/aretw0/sheaf/pkg/adapters/sqlite"
	"github.com/aretw0/sheaf/pkg/observability"
	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/aretw0/sheaf/pkg/route"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// App is a fully wired sheaf service plus the resources it owns.
type App struct {
	Service *sheaf.Service
	DB      ports.Database
	Metrics *prometheus.Registry
	Logger  *slog.Logger
	closers []io.Closer
}

// Close releases the database and gate connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// NewLogger builds the application logger described by cfg.
func NewLogger(cfg config.Log) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Format == "json" {
		return logging.NewJSON(os.Stderr, level), nil
	}
	return logging.New(level), nil
}

// OpenDatabase connects to the configured database.
func OpenDatabase(ctx context.Context, cfg config.Database, logger *slog.Logger) (ports.Database, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.Open(ctx, cfg.DSN, sqlite.WithLogger(logger))
	case "postgres":
		return postgres.Open(ctx, cfg.DSN, postgres.WithLogger(logger))
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", config.ErrInvalid, cfg.Driver)
	}
}

// OpenGate creates the configured admission gate. The returned closer is nil
// for the in-memory gate.
func OpenGate(ctx context.Context, cfg config.Gate) (ports.Gate, io.Closer, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewGate(cfg.Capacity), nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}

		var opts []redisAdapter.GateOption
		if cfg.Redis.Prefix != "" {
			opts = append(opts, redisAdapter.WithGatePrefix(cfg.Redis.Prefix))
		}
		lease, err := cfg.Redis.LeaseTTL()
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		if lease > 0 {
			opts = append(opts, redisAdapter.WithLeaseTTL(lease))
		}
		gate := redisAdapter.NewGate(client, cfg.Capacity, opts...)
		return gate, closerFunc(func() error {
			_ = gate.Close()
			return client.Close()
		}), nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown gate driver %q", config.ErrInvalid, cfg.Driver)
	}
}

// Open wires the service described by cfg: database (migrated when asked),
// gate, ledger routes and metrics.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	app := &App{Logger: logger, Metrics: prometheus.NewRegistry()}

	db, err := OpenDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	app.DB = db
	app.closers = append(app.closers, db)

	if cfg.Database.Migrate {
		if err := ledger.Migrate(ctx, db); err != nil {
			app.Close()
			return nil, err
		}
	}

	gate, closer, err := OpenGate(ctx, cfg.Gate)
	if err != nil {
		app.Close()
		return nil, err
	}
	if closer != nil {
		app.closers = append(app.closers, closer)
	}

	routes, err := route.NewRegistry(ledger.Routes(), route.WithLogger(logger))
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Service = sheaf.New(db, routes,
		sheaf.WithLogger(logger),
		sheaf.WithGate(gate),
		sheaf.WithConcurrency(cfg.Batch.Concurrency),
		sheaf.WithMetrics(observability.NewMetrics(app.Metrics)),
	)
	return app, nil
}
