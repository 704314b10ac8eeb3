// Package config provides configuration management for the portfolio rebalancer.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Auth modes
const (
	AuthHeader    = "header"
	AuthSignature = "signature"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Store     StoreConfig
	Oracle    OracleConfig
	Events    EventsConfig
	Auth      AuthConfig
	Monitor   MonitorConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by golang-migrate
func (c *PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// StoreConfig selects the portfolio store backend
type StoreConfig struct {
	Backend   string // memory, postgres or redis
	KeyPrefix string // Redis key prefix
}

// OracleConfig holds price oracle configuration
type OracleConfig struct {
	RPCPrimary   string
	RPCSecondary string
	CacheTTL     time.Duration // 0 disables the Redis quote cache
	CallTimeout  time.Duration
	StaticPrices string // asset=price@timestamp,... used when no RPC endpoint is configured

	// Redis-shared RPC budget, 0 disables it
	BudgetPerSecond int
	BudgetReserved  int // part of the budget only API requests may use, 0 keeps the default reserve
	BudgetMaxWait   time.Duration
}

// EventsConfig holds event sink configuration
type EventsConfig struct {
	RedisStream       string // empty disables the Redis stream sink
	ClickHouseEnabled bool
}

// AuthConfig holds caller authentication configuration
type AuthConfig struct {
	Mode string // header or signature
}

// MonitorConfig holds drift monitor configuration
type MonitorConfig struct {
	PollInterval time.Duration
}

// RateLimitConfig holds per-caller API rate limits
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "rebalancer"),
				User:           getEnv("POSTGRES_USER", "rebalancer"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 8),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "rebalancer"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Store: StoreConfig{
			Backend:   strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
			KeyPrefix: getEnv("STORE_KEY_PREFIX", "rebalancer"),
		},
		Oracle: OracleConfig{
			RPCPrimary:   getEnv("ORACLE_RPC_PRIMARY", ""),
			RPCSecondary: getEnv("ORACLE_RPC_SECONDARY", ""),
			CacheTTL:     getEnvAsDuration("ORACLE_CACHE_TTL", 5*time.Second),
			CallTimeout:  getEnvAsDuration("ORACLE_CALL_TIMEOUT", 10*time.Second),
			StaticPrices: getEnv("ORACLE_STATIC_PRICES", ""),

			BudgetPerSecond: getEnvAsInt("ORACLE_RPC_BUDGET", 0),
			BudgetReserved:  getEnvAsInt("ORACLE_RPC_BUDGET_RESERVED", 0),
			BudgetMaxWait:   getEnvAsDuration("ORACLE_RPC_BUDGET_MAX_WAIT", 5*time.Second),
		},
		Events: EventsConfig{
			RedisStream:       getEnv("EVENTS_REDIS_STREAM", ""),
			ClickHouseEnabled: getEnvAsBool("EVENTS_CLICKHOUSE_ENABLED", false),
		},
		Auth: AuthConfig{
			Mode: strings.ToLower(getEnv("AUTH_MODE", AuthHeader)),
		},
		Monitor: MonitorConfig{
			PollInterval: getEnvAsDuration("MONITOR_POLL_INTERVAL", time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks enumerated settings
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory, StorePostgres, StoreRedis:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	switch c.Auth.Mode {
	case AuthHeader, AuthSignature:
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.Auth.Mode)
	}

	if c.Oracle.BudgetPerSecond < 0 || c.Oracle.BudgetReserved < 0 {
		return fmt.Errorf("ORACLE_RPC_BUDGET values cannot be negative")
	}
	if c.Oracle.BudgetPerSecond > 0 && c.Oracle.BudgetReserved > c.Oracle.BudgetPerSecond {
		return fmt.Errorf("ORACLE_RPC_BUDGET_RESERVED exceeds ORACLE_RPC_BUDGET")
	}

	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("MONITOR_POLL_INTERVAL must be positive")
	}

	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
