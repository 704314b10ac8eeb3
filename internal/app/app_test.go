package app

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-rebalancer/internal/auth"
	"github.com/portfolio-rebalancer/internal/config"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/oracle"
	"github.com/portfolio-rebalancer/internal/service"
	"github.com/portfolio-rebalancer/internal/storage"
	"github.com/portfolio-rebalancer/internal/types"
)

var now = time.Unix(1_700_000_000, 0).UTC()

func baseConfig() *config.Config {
	return &config.Config{
		Store:   config.StoreConfig{Backend: config.StoreMemory, KeyPrefix: "test"},
		Oracle:  config.OracleConfig{StaticPrices: "xlm=0.12@1700000000,usdc=1@1700000000", CallTimeout: time.Second},
		Auth:    config.AuthConfig{Mode: config.AuthHeader},
		Monitor: config.MonitorConfig{PollInterval: time.Second},
	}
}

func TestBuild_MemoryStaticPrices(t *testing.T) {
	a, err := Build(context.Background(), baseConfig(), logging.Nop(), Options{Now: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.IsType(t, &storage.MemoryStore{}, a.Store)
	assert.Nil(t, a.Redis)
	require.Len(t, a.Sink, 1)

	ctx := context.Background()
	require.NoError(t, a.Service.Initialize(ctx, "admin", "static"))
	view, err := a.Service.QuotePrice(ctx, "XLM")
	require.NoError(t, err)
	assert.Equal(t, "0.12", view.Quote.Decimal().String())
	assert.False(t, view.Stale)
}

func TestBuild_RedisStoreAndStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := baseConfig()
	cfg.Store.Backend = config.StoreRedis
	cfg.Events.RedisStream = "rebalancer:events"

	a, err := Build(context.Background(), cfg, logging.Nop(), Options{Redis: client, Now: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	assert.IsType(t, &storage.RedisStore{}, a.Store)
	require.Len(t, a.Sink, 2)

	ctx := context.Background()
	require.NoError(t, a.Service.Initialize(ctx, "admin", "static"))
	_, err = a.Service.CreatePortfolio(auth.WithCaller(ctx, "alice"), &service.CreatePortfolioInput{
		Owner:              "alice",
		TargetAllocations:  map[types.AssetID]uint32{"xlm": 100},
		RebalanceThreshold: 5,
		SlippageTolerance:  100,
	})
	require.NoError(t, err)

	n, err := client.XLen(ctx, "rebalancer:events").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	state, err := a.Service.ContractState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), state.NextPortfolioID)
}

type fakeCaller struct{}

func (fakeCaller) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestBuild_RPCBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := baseConfig()
	cfg.Oracle.RPCPrimary = "http://primary.invalid"
	cfg.Oracle.BudgetPerSecond = 1000
	cfg.Oracle.BudgetReserved = 600
	cfg.Oracle.BudgetMaxWait = 10 * time.Millisecond

	dial := func(context.Context, string) (oracle.ContractCaller, error) { return fakeCaller{}, nil }
	a, err := Build(context.Background(), cfg, logging.Nop(), Options{Redis: client, Dialer: dial})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()
	require.NoError(t, a.Service.Initialize(ctx, "admin", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"))
	_, err = a.Service.QuotePrice(ctx, "xlm")
	require.Error(t, err, "endpoint refuses every call")

	var reserved []string
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "test:rpcbudget:reserved:") {
			reserved = append(reserved, key)
		}
	}
	assert.NotEmpty(t, reserved, "request-path calls are charged to the reserved pool")
}

func TestBuild_ReflectorOracleWithCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := baseConfig()
	cfg.Oracle.RPCPrimary = "http://primary.invalid"
	cfg.Oracle.RPCSecondary = "http://secondary.invalid"
	cfg.Oracle.CacheTTL = time.Second

	var dialed []string
	dial := func(_ context.Context, url string) (oracle.ContractCaller, error) {
		dialed = append(dialed, url)
		return fakeCaller{}, nil
	}

	a, err := Build(context.Background(), cfg, logging.Nop(), Options{Redis: client, Dialer: dial})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.IsType(t, &oracle.CachingResolver{}, a.Resolver)
	assert.Equal(t, []string{"http://primary.invalid"}, dialed)

	ctx := context.Background()
	err = a.Service.Initialize(ctx, "admin", "not-an-address")
	assert.Error(t, err)
	require.NoError(t, a.Service.Initialize(ctx, "admin", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"))
}

func TestBuild_Errors(t *testing.T) {
	cfg := baseConfig()
	cfg.Store.Backend = "sqlite"
	_, err := Build(context.Background(), cfg, logging.Nop(), Options{})
	assert.Error(t, err)

	cfg = baseConfig()
	cfg.Oracle.StaticPrices = "xlm=abc@1"
	_, err = Build(context.Background(), cfg, logging.Nop(), Options{})
	assert.Error(t, err)

	cfg = baseConfig()
	cfg.Oracle.RPCPrimary = "http://primary.invalid"
	cfg.Oracle.CacheTTL = 0
	_, err = Build(context.Background(), cfg, logging.Nop(), Options{
		Dialer: func(context.Context, string) (oracle.ContractCaller, error) { return nil, errors.New("dial failed") },
	})
	assert.Error(t, err)
}

func TestClose_ReverseOrder(t *testing.T) {
	var order []int
	a := &App{closers: []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return errors.New("second") },
		func() error { order = append(order, 3); return nil },
	}}
	err := a.Close()
	assert.EqualError(t, err, "second")
	assert.Equal(t, []int{3, 2, 1}, order)
	assert.NoError(t, a.Close())
}
