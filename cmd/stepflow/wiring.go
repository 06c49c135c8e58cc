package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/internal/idempotency"
	"github.com/pitabwire/stepflow/internal/lock"
	"github.com/pitabwire/stepflow/internal/migrations"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/txn"
	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

// stores bundles the persistence layer chosen by store.driver.
type stores struct {
	definitions definition.Store
	status      workflow.StatusStore
	uow         txn.UnitOfWork
	pool        *pgxpool.Pool

	// ping checks the status store for readiness.
	ping observability.CheckFunc
	// loaded reports whether any definition is available.
	loaded func() bool
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// openPool connects to the database named by cfg.DSNEnv.
func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// buildStores creates the definition and status stores. File definitions
// are served from memory, or synced into postgres when definitions.sync is
// set.
func buildStores(
	ctx context.Context,
	cfg *config.Config,
	defs []*model.ProcessDefinition,
	validator *definition.Validator,
	logger *zap.Logger,
) (*stores, error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Info("using in-memory stores")
		registry := definition.NewRegistry(defs, validator)
		status := workflow.NewMemoryStatusStore()
		return &stores{
			definitions: registry,
			status:      status,
			uow:         txn.NewMemoryUnitOfWork(),
			ping:        status.Ping,
			loaded:      func() bool { return registry.Len() > 0 },
		}, nil

	case "postgres":
		pool, err := openPool(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		if cfg.Store.AutoMigrate {
			if err := migrations.Apply(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
			logger.Info("schema applied")
		}

		defStore := definition.NewPgStore(pool, validator)
		if cfg.Definitions.Sync {
			if err := definition.Sync(ctx, defStore, defs); err != nil {
				pool.Close()
				return nil, fmt.Errorf("definition sync: %w", err)
			}
			logger.Info("definitions synced", zap.Int("count", len(defs)))
		}

		status := workflow.NewPgStatusStore(pool)
		return &stores{
			definitions: defStore,
			status:      status,
			uow:         txn.NewPgUnitOfWork(pool),
			pool:        pool,
			ping:        status.Ping,
			loaded:      func() bool { return pgDefinitionsLoaded(defStore) },
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Store.Driver)
	}
}

func pgDefinitionsLoaded(store *definition.PgStore) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	defs, err := store.List(ctx, "")
	return err == nil && len(defs) > 0
}

// buildLocks creates the lock coordinator for lock.driver. The returned
// closer releases any backend connection.
func buildLocks(cfg config.LockConfig, st *stores, metrics *observability.Metrics, logger *zap.Logger) (*lock.Coordinator, func(), error) {
	opts := lock.Options{
		TTL:          cfg.TTL,
		Wait:         cfg.WaitTimeout,
		PollInterval: cfg.PollInterval,
		Renew:        cfg.Renew,
		Logger:       logger,
		OnWait:       metrics.RecordLockWait,
	}

	switch cfg.Driver {
	case "memory":
		return lock.NewCoordinator(lock.NewMemoryBackend(), opts), func() {}, nil

	case "postgres":
		if st.pool == nil {
			return nil, nil, fmt.Errorf("lock driver postgres requires store driver postgres")
		}
		backend := guardBackend(lock.NewPgBackend(st.pool), cfg.Breaker, metrics, logger)
		return lock.NewCoordinator(backend, opts), func() {}, nil

	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("lock: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		logger.Info("using redis lock backend", zap.String("addr", addr), zap.Int("db", cfg.DB))
		backend := guardBackend(lock.NewRedisBackend(client), cfg.Breaker, metrics, logger)
		return lock.NewCoordinator(backend, opts), func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported lock driver: %q", cfg.Driver)
	}
}

// guardBackend puts a circuit breaker in front of a remote lock backend.
func guardBackend(backend lock.Backend, cfg config.BreakerConfig, metrics *observability.Metrics, logger *zap.Logger) lock.Backend {
	if cfg.FailureThreshold == 0 {
		return backend
	}
	return lock.NewBreakerBackend(backend, lock.BreakerOptions{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		OpenTimeout:      cfg.OpenTimeout,
		OnStateChange: func(from, to lock.BreakerState) {
			logger.Warn("lock backend breaker state changed",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
			metrics.RecordLockBreaker(to.String())
		},
	})
}

// buildIdempotency creates the replay store for idempotency.driver. A nil
// store turns the Idempotency-Key header off.
func buildIdempotency(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	switch cfg.Driver {
	case "none":
		return nil, func() {}, nil

	case "memory":
		return idempotency.NewMemoryStore(), func() {}, nil

	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		logger.Info("using redis idempotency store", zap.String("addr", addr), zap.Int("db", cfg.DB))
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}
