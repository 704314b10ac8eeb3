package storage

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisStore(client, "test")
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func samplePortfolio(id uint64) *models.Portfolio {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	huge, _ := new(big.Int).SetString("170141183460469231731687303715884105727", 10)
	return &models.Portfolio{
		ID:                 id,
		Owner:              "owner-1",
		TargetAllocations:  map[types.AssetID]uint32{"xlm": 60, "usdc": 40},
		CurrentBalances:    map[types.AssetID]*big.Int{"xlm": big.NewInt(-5), "usdc": huge},
		RebalanceThreshold: 5,
		SlippageTolerance:  100,
		LastRebalance:      1_700_000_000,
		TotalValue:         big.NewInt(12345),
		IsActive:           true,
		CreatedAt:          created,
		UpdatedAt:          created,
	}
}

func TestStore_FreshState(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			err := s.View(testContext(t), func(ctx context.Context, tx Tx) error {
				state, err := tx.State(ctx)
				require.NoError(t, err)
				assert.False(t, state.Initialized)
				assert.Equal(t, uint64(1), state.NextPortfolioID)

				_, err = tx.GetPortfolio(ctx, 1)
				assert.ErrorIs(t, err, apperrors.ErrPortfolioNotFound)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestStore_CommitAndReadBack(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := testContext(t)

			err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
				state, err := tx.State(ctx)
				if err != nil {
					return err
				}
				state.Initialized = true
				state.Admin = "admin"
				state.OracleAddress = "0xfeed"
				id := state.AllocateID()
				if err := tx.SaveState(ctx, state); err != nil {
					return err
				}

				// the unit reads its own staged writes
				again, err := tx.State(ctx)
				require.NoError(t, err)
				assert.Equal(t, uint64(2), again.NextPortfolioID)

				return tx.SavePortfolio(ctx, samplePortfolio(id))
			})
			require.NoError(t, err)

			err = s.View(ctx, func(ctx context.Context, tx Tx) error {
				state, err := tx.State(ctx)
				require.NoError(t, err)
				assert.True(t, state.Initialized)
				assert.Equal(t, "admin", state.Admin)
				assert.Equal(t, "0xfeed", state.OracleAddress)
				assert.Equal(t, uint64(2), state.NextPortfolioID)

				p, err := tx.GetPortfolio(ctx, 1)
				require.NoError(t, err)
				want := samplePortfolio(1)
				assert.Equal(t, want.Owner, p.Owner)
				assert.Equal(t, want.TargetAllocations, p.TargetAllocations)
				assert.Equal(t, want.CurrentBalances["usdc"].String(), p.CurrentBalances["usdc"].String())
				assert.Equal(t, "-5", p.CurrentBalances["xlm"].String())
				assert.Equal(t, "12345", p.TotalValue.String())
				assert.Equal(t, want.LastRebalance, p.LastRebalance)
				assert.True(t, want.CreatedAt.Equal(p.CreatedAt))
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestStore_ErrorDiscardsWrites(t *testing.T) {
	boom := errors.New("boom")
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := testContext(t)

			err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
				state, _ := tx.State(ctx)
				state.EmergencyStop = true
				require.NoError(t, tx.SaveState(ctx, state))
				require.NoError(t, tx.SavePortfolio(ctx, samplePortfolio(1)))
				return boom
			})
			require.ErrorIs(t, err, boom)

			err = s.View(ctx, func(ctx context.Context, tx Tx) error {
				state, _ := tx.State(ctx)
				assert.False(t, state.EmergencyStop)
				_, err := tx.GetPortfolio(ctx, 1)
				assert.ErrorIs(t, err, apperrors.ErrPortfolioNotFound)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestStore_ViewRejectsWrites(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			err := s.View(testContext(t), func(ctx context.Context, tx Tx) error {
				return tx.SavePortfolio(ctx, samplePortfolio(1))
			})
			assert.ErrorIs(t, err, ErrReadOnly)
		})
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := testContext(t)
			p := samplePortfolio(1)
			require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
				return tx.SavePortfolio(ctx, p)
			}))

			// mutating the caller's value after commit changes nothing
			p.CurrentBalances["xlm"].SetInt64(999)

			require.NoError(t, s.View(ctx, func(ctx context.Context, tx Tx) error {
				got, err := tx.GetPortfolio(ctx, 1)
				require.NoError(t, err)
				assert.Equal(t, "-5", got.CurrentBalances["xlm"].String())
				return nil
			}))
		})
	}
}

func TestStore_ConcurrentAllocationIsUnique(t *testing.T) {
	const workers = 20
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := testContext(t)

			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				ids []uint64
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					var id uint64
					err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
						state, err := tx.State(ctx)
						if err != nil {
							return err
						}
						id = state.AllocateID()
						if err := tx.SaveState(ctx, state); err != nil {
							return err
						}
						return tx.SavePortfolio(ctx, samplePortfolio(id))
					})
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					ids = append(ids, id)
					mu.Unlock()
				}()
			}
			wg.Wait()

			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			require.Len(t, ids, workers)
			for i, id := range ids {
				assert.Equal(t, uint64(i+1), id)
			}
		})
	}
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "admin", KeyAdmin().String())
	assert.Equal(t, "oracle", KeyOracle().String())
	assert.Equal(t, "emergency_stop", KeyEmergencyStop().String())
	assert.Equal(t, "initialized", KeyInitialized().String())
	assert.Equal(t, "next_portfolio_id", KeyNextPortfolioID().String())
	assert.Equal(t, "portfolio:42", KeyPortfolio(42).String())
}

func TestRedisStore_Layout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "rb")
	ctx := testContext(t)

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		state, _ := tx.State(ctx)
		state.Initialized = true
		state.Admin = "admin"
		if err := tx.SaveState(ctx, state); err != nil {
			return err
		}
		return tx.SavePortfolio(ctx, samplePortfolio(7))
	}))

	assert.Equal(t, "admin", mr.HGet("rb:state", "admin"))
	assert.Equal(t, "true", mr.HGet("rb:state", "initialized"))
	assert.Equal(t, "1", mr.HGet("rb:state", versionField))
	assert.True(t, mr.Exists("rb:portfolio:7"))

	// a deposit-style unit that only touches a portfolio still bumps the version
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetPortfolio(ctx, 7)
		if err != nil {
			return err
		}
		p.CurrentBalances["xlm"] = big.NewInt(1)
		return tx.SavePortfolio(ctx, p)
	}))
	assert.Equal(t, "2", mr.HGet("rb:state", versionField))
}

func TestRedisStore_CorruptState(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "rb")
	mr.HSet("rb:state", "initialized", "maybe")

	err := s.View(testContext(t), func(ctx context.Context, tx Tx) error {
		_, err := tx.State(ctx)
		return err
	})
	assert.Equal(t, apperrors.CategoryDatabase, apperrors.Categorize(err).Category)
}

func TestSplitSQLStatements(t *testing.T) {
	sql := `
-- events table
CREATE TABLE a (
    x UInt64
) ENGINE = MergeTree() ORDER BY x;

CREATE TABLE b (y String);
SELECT 1`

	got := splitSQLStatements(sql)
	require.Len(t, got, 3)
	assert.Equal(t, "CREATE TABLE a (\n    x UInt64\n) ENGINE = MergeTree() ORDER BY x", got[0])
	assert.Equal(t, "CREATE TABLE b (y String)", got[1])
	assert.Equal(t, "SELECT 1", got[2])
}
