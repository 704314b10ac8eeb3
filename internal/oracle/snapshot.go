package oracle

import (
	"context"
	"math/big"
	"sync"

	"github.com/portfolio-rebalancer/internal/types"
)

// Snapshot memoizes the first answer for each asset, so every step of one
// operation sees the same prices. It is not meant to outlive that operation.
type Snapshot struct {
	inner PriceOracle

	mu     sync.Mutex
	quotes map[types.AssetID]*types.PriceQuote
}

// NewSnapshot wraps inner
func NewSnapshot(inner PriceOracle) *Snapshot {
	return &Snapshot{
		inner:  inner,
		quotes: make(map[types.AssetID]*types.PriceQuote),
	}
}

// LastPrice implements PriceOracle. Misses are memoized too; errors are not.
func (s *Snapshot) LastPrice(ctx context.Context, asset types.AssetID) (*types.PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.quotes[asset]; ok {
		return copyQuote(q), nil
	}

	q, err := s.inner.LastPrice(ctx, asset)
	if err != nil {
		return nil, err
	}
	s.quotes[asset] = copyQuote(q)
	return copyQuote(q), nil
}

func copyQuote(q *types.PriceQuote) *types.PriceQuote {
	if q == nil {
		return nil
	}
	c := *q
	if q.Price != nil {
		c.Price = new(big.Int).Set(q.Price)
	}
	return &c
}
