package storage

import (
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/portfolio-rebalancer/internal/config"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &config.RedisConfig{
		Host:           mr.Host(),
		Port:           mr.Port(),
		MaxConnections: 10,
	}

	client, err := NewRedisClient(testContext(t), cfg)
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}()

	ctx := testContext(t)
	if err := client.Set(ctx, "k", "v", 0).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := mr.Get("k"); got != "v" {
		t.Errorf("stored value = %q, want %q", got, "v")
	}
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.RedisConfig{Host: mr.Host(), Port: mr.Port(), MaxConnections: 1}
	mr.Close()

	client, err := NewRedisClient(testContext(t), cfg)
	if err == nil {
		_ = client.Close()
		t.Fatal("NewRedisClient() expected error for a closed server")
	}
}
