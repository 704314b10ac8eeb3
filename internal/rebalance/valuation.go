package rebalance

import (
	"context"
	"math/big"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/oracle"
	"github.com/portfolio-rebalancer/internal/types"
)

var hundred = big.NewInt(100)

// AssetValue returns balance*price/10^14, truncated toward zero
func AssetValue(balance, price *big.Int) *big.Int {
	v := new(big.Int).Mul(balance, price)
	return v.Quo(v, types.PriceScale())
}

// PercentShare returns value*100/total, truncated toward zero.
// total must be non-zero.
func PercentShare(value, total *big.Int) *big.Int {
	v := new(big.Int).Mul(value, hundred)
	return v.Quo(v, total)
}

// PortfolioValue sums AssetValue over every balance that has a quote.
// Unpriced assets contribute nothing; an oracle failure aborts.
func PortfolioValue(ctx context.Context, balances map[types.AssetID]*big.Int, o oracle.PriceOracle) (*big.Int, error) {
	total := new(big.Int)
	for _, asset := range sortedAssets(balances) {
		q, err := quote(ctx, o, asset)
		if err != nil {
			return nil, err
		}
		if q == nil {
			continue
		}
		total.Add(total, AssetValue(balances[asset], q.Price))
	}
	return total, nil
}

// quote fetches a price and tags transport failures as provider errors
func quote(ctx context.Context, o oracle.PriceOracle, asset types.AssetID) (*types.PriceQuote, error) {
	q, err := o.LastPrice(ctx, asset)
	if err != nil {
		if apperrors.Categorize(err).Category == apperrors.CategorySystem {
			return nil, apperrors.NewProviderError("oracle", err)
		}
		return nil, err
	}
	if q == nil || q.Price == nil {
		return nil, nil
	}
	return q, nil
}
