package storage

import (
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/portfolio-rebalancer/internal/config"
)

func TestNewClickHouseDB(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.ClickHouseConfig{
		Host:     "localhost",
		Port:     "9000",
		Database: "rebalancer",
		User:     "default",
		Password: "clickhouse_dev_password",
	}

	ctx := testContext(t)
	db, err := NewClickHouseDB(ctx, cfg)
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
		return
	}
	defer func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}()

	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	if err := RunClickHouseMigrations(ctx, db, "../../migrations/clickhouse"); err != nil {
		t.Errorf("RunClickHouseMigrations() error = %v", err)
	}
}

func TestClickHouseOptions(t *testing.T) {
	opts := clickHouseOptions(&config.ClickHouseConfig{
		Host:     "ch.internal",
		Port:     "9440",
		Database: "audit",
		User:     "writer",
	})

	if got := opts.Addr; len(got) != 1 || got[0] != "ch.internal:9440" {
		t.Errorf("Addr = %v", got)
	}
	if opts.Auth.Database != "audit" || opts.Auth.Username != "writer" {
		t.Errorf("Auth = %+v", opts.Auth)
	}
	if opts.Settings["async_insert"] != 1 || opts.Settings["wait_for_async_insert"] != 1 {
		t.Errorf("async insert not enabled: %v", opts.Settings)
	}
	if opts.Compression == nil || opts.Compression.Method != clickhouse.CompressionLZ4 {
		t.Errorf("Compression = %+v", opts.Compression)
	}
	if opts.MaxOpenConns > 5 {
		t.Errorf("MaxOpenConns = %d, audit sink needs only a few", opts.MaxOpenConns)
	}
}
