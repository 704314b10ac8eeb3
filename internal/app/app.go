// Package app wires configuration into a running rebalancer: store backend,
// price oracle, event sinks and the service itself. The server and worker
// binaries share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/portfolio-rebalancer/internal/auth"
	"github.com/portfolio-rebalancer/internal/config"
	"github.com/portfolio-rebalancer/internal/events"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/oracle"
	"github.com/portfolio-rebalancer/internal/ratelimit"
	"github.com/portfolio-rebalancer/internal/service"
	"github.com/portfolio-rebalancer/internal/storage"
)

// rpcCooldown is how long a failed oracle RPC endpoint is skipped
const rpcCooldown = 60 * time.Second

// App holds the wired components and the connections backing them
type App struct {
	Config     *config.Config
	Logger     *logging.Logger
	Store      storage.Store
	Resolver   oracle.Resolver
	Sink       events.Sink
	Service    *service.RebalancerService
	Verifier   auth.Verifier
	Redis      *redis.Client
	ClickHouse *storage.ClickHouseDB

	closers []func() error
}

// Options overrides connections, mainly for tests
type Options struct {
	// Redis is used instead of dialing cfg.Database.Redis
	Redis *redis.Client
	// Dialer is used by the oracle RPC pool
	Dialer oracle.Dialer
	// Now overrides the service clock
	Now func() time.Time
}

// Build connects every backend the configuration asks for. On error all
// connections opened so far are closed.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	ctx = logging.WithLogger(ctx, logger)

	a := &App{Config: cfg, Logger: logger, Redis: opts.Redis}
	if err := a.build(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg, logger := a.Config, a.Logger

	if a.Redis == nil && needsRedis(cfg) {
		client, err := storage.NewRedisClient(ctx, &cfg.Database.Redis)
		if err != nil {
			return err
		}
		a.Redis = client
		a.closers = append(a.closers, client.Close)
		logger.WithField("addr", client.Options().Addr).Info("Connected to Redis")
	}

	if err := a.buildStore(ctx); err != nil {
		return err
	}
	if err := a.buildResolver(ctx, opts.Dialer); err != nil {
		return err
	}
	if err := a.buildSink(ctx); err != nil {
		return err
	}

	if err := a.buildVerifier(); err != nil {
		return err
	}

	var svcOpts []service.Option
	if opts.Now != nil {
		svcOpts = append(svcOpts, service.WithClock(opts.Now))
	}
	a.Service = service.NewRebalancerService(a.Store, a.Resolver, auth.ContextAuthorizer{}, a.Sink, svcOpts...)
	return nil
}

func needsRedis(cfg *config.Config) bool {
	// signature replay claims must be shared once state is shared
	sharedSignatures := cfg.Auth.Mode == config.AuthSignature && cfg.Store.Backend != config.StoreMemory
	return cfg.Store.Backend == config.StoreRedis || sharedSignatures ||
		cfg.Events.RedisStream != "" ||
		(cfg.Oracle.RPCPrimary != "" && (cfg.Oracle.CacheTTL > 0 || cfg.Oracle.BudgetPerSecond > 0))
}

func (a *App) buildStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Store.Backend {
	case config.StoreMemory:
		a.Store = storage.NewMemoryStore()
		a.Logger.Warn("Using in-memory store, state is lost on restart")
	case config.StorePostgres:
		db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		if err != nil {
			return err
		}
		a.Store = storage.NewPostgresStore(db)
		a.closers = append(a.closers, a.Store.Close)
	case config.StoreRedis:
		// shares the Redis client, closed with it
		a.Store = storage.NewRedisStore(a.Redis, cfg.Store.KeyPrefix)
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	a.Logger.WithField("backend", cfg.Store.Backend).Info("Store ready")
	return nil
}

// buildResolver binds oracle addresses to reflector contracts over the
// configured RPC endpoints, or serves fixed prices when no endpoint is set
func (a *App) buildResolver(ctx context.Context, dial oracle.Dialer) error {
	cfg := a.Config.Oracle
	if cfg.RPCPrimary == "" {
		static, err := oracle.ParseStaticPrices(cfg.StaticPrices)
		if err != nil {
			return fmt.Errorf("invalid ORACLE_STATIC_PRICES: %w", err)
		}
		a.Resolver = oracle.Fixed(static)
		a.Logger.Warn("No oracle RPC endpoint configured, serving static prices")
		return nil
	}

	pool, err := oracle.NewCallerPool(ctx, []string{cfg.RPCPrimary, cfg.RPCSecondary}, rpcCooldown, dial)
	if err != nil {
		return err
	}
	var caller oracle.ContractCaller = pool
	if cfg.BudgetPerSecond > 0 {
		budget, err := ratelimit.NewBudget(&ratelimit.BudgetConfig{
			Redis:          a.Redis,
			KeyPrefix:      a.Config.Store.KeyPrefix + ":rpcbudget",
			TotalBudget:    cfg.BudgetPerSecond,
			ReservedBudget: cfg.BudgetReserved,
		})
		if err != nil {
			return err
		}
		caller, err = ratelimit.NewBudgetedCaller(&ratelimit.BudgetedCallerConfig{
			Caller:  pool,
			Budget:  budget,
			MaxWait: cfg.BudgetMaxWait,
			Logger:  a.Logger,
		})
		if err != nil {
			return err
		}
		a.Logger.WithFields(map[string]interface{}{
			"budget":   cfg.BudgetPerSecond,
			"reserved": cfg.BudgetReserved,
		}).Info("Oracle RPC budget enabled")
	}

	var resolver oracle.Resolver = oracle.NewReflectorResolver(caller, oracle.ReflectorOptions{CallTimeout: cfg.CallTimeout})
	if cfg.CacheTTL > 0 {
		resolver = oracle.NewCachingResolver(resolver, a.Redis, cfg.CacheTTL)
	}
	a.Resolver = resolver
	return nil
}

func (a *App) buildVerifier() error {
	var replay auth.ReplayCache
	if a.Config.Auth.Mode == config.AuthSignature {
		if a.Redis != nil {
			replay = auth.NewRedisReplayCache(a.Redis, a.Config.Store.KeyPrefix)
		} else {
			a.Logger.Warn("Signature replay protection is local to this process")
		}
	}
	verifier, err := auth.NewVerifier(a.Config.Auth.Mode, replay)
	if err != nil {
		return err
	}
	a.Verifier = verifier
	return nil
}

func (a *App) buildSink(ctx context.Context) error {
	cfg := a.Config
	sinks := events.MultiSink{events.NewLogSink(a.Logger)}

	if cfg.Events.RedisStream != "" {
		sinks = append(sinks, events.NewRedisStreamSink(a.Redis, cfg.Events.RedisStream))
	}
	if cfg.Events.ClickHouseEnabled {
		db, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			return err
		}
		a.ClickHouse = db
		a.closers = append(a.closers, db.Close)
		sinks = append(sinks, events.NewClickHouseSink(db))
	}

	a.Sink = sinks
	return nil
}

// Close releases connections in reverse order of opening
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
