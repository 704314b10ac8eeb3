package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portfolio-rebalancer/internal/config"
)

// Read-write units queue on the contract_state row lock, so a large pool only
// adds waiters. Reads (drift checks, GET endpoints) do not take the lock.
const (
	DefaultPostgresConns = 8

	postgresApplicationName = "portfolio-rebalancer"
	// a unit waiting longer than this for the state row fails instead of piling up
	postgresLockTimeout        = 5 * time.Second
	postgresStatementTimeout   = 10 * time.Second
	postgresIdleInTxTimeout    = 30 * time.Second
	postgresConnectTimeout     = 5 * time.Second
	postgresMaxConnLifetime    = 30 * time.Minute
	postgresConnLifetimeJitter = 5 * time.Minute
)

// PostgresDB wraps the pgxpool connection
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB opens the pool backing PostgresStore and checks the server
// is reachable.
func NewPostgresDB(ctx context.Context, cfg *config.PostgresConfig) (*PostgresDB, error) {
	poolConfig, err := postgresPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*postgresConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

func postgresPoolConfig(cfg *config.PostgresConfig) (*pgxpool.Config, error) {
	connString := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Database,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = DefaultPostgresConns
	}
	poolConfig.MaxConns = int32(maxConns) // #nosec G115 - MaxConnections is a small configured value
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = postgresMaxConnLifetime
	poolConfig.MaxConnLifetimeJitter = postgresConnLifetimeJitter
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	poolConfig.ConnConfig.ConnectTimeout = postgresConnectTimeout
	params := poolConfig.ConnConfig.RuntimeParams
	params["application_name"] = postgresApplicationName
	params["lock_timeout"] = durationMillis(postgresLockTimeout)
	params["statement_timeout"] = durationMillis(postgresStatementTimeout)
	params["idle_in_transaction_session_timeout"] = durationMillis(postgresIdleInTxTimeout)

	return poolConfig, nil
}

// durationMillis formats d the way Postgres timeout settings expect
func durationMillis(d time.Duration) string {
	return fmt.Sprintf("%d", d.Milliseconds())
}

// Close closes the database connection pool
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool returns the underlying connection pool
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks if the database is reachable
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
