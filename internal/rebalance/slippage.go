package rebalance

import (
	"context"
	"math/big"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/oracle"
	"github.com/portfolio-rebalancer/internal/types"
)

// SlippageInput is a proposed post-rebalance balance set and what it is
// compared against
type SlippageInput struct {
	Current   map[types.AssetID]*big.Int
	Proposed  map[types.AssetID]*big.Int
	Targets   map[types.AssetID]uint32
	Tolerance uint32   // basis points
	Prices    PriceSet // quotes verified by the guard
}

// ValidateSlippage checks every target asset of the proposal against the
// balance the target allocation implies at current value. A proposal that
// omits an asset proposes zero of it; an empty proposal is not exempt.
func ValidateSlippage(ctx context.Context, in SlippageInput, o oracle.PriceOracle) error {
	total, err := PortfolioValue(ctx, in.Current, o)
	if err != nil {
		return err
	}
	if total.Sign() == 0 {
		return nil
	}

	tolerance := big.NewInt(int64(in.Tolerance))
	for _, asset := range sortedAssets(in.Targets) {
		q, ok := in.Prices[asset]
		if !ok || q == nil {
			return apperrors.NewMissingPriceError(asset)
		}

		expected := ExpectedBalance(total, in.Targets[asset], q.Price)
		expectedAbs := new(big.Int).Abs(expected)
		if expectedAbs.Sign() == 0 {
			continue
		}

		actual := new(big.Int)
		if v, ok := in.Proposed[asset]; ok && v != nil {
			actual.Set(v)
		}

		bps := SlippageBps(expected, actual)
		if bps.Cmp(tolerance) > 0 {
			return apperrors.NewSlippageExceededError(asset, expected.String(), actual.String(), bps.String(), in.Tolerance)
		}
	}
	return nil
}

// ExpectedBalance returns (total*pct/100)*10^14/price, truncated at each
// division. price must be non-zero.
func ExpectedBalance(total *big.Int, pct uint32, price *big.Int) *big.Int {
	v := new(big.Int).Mul(total, big.NewInt(int64(pct)))
	v.Quo(v, hundred)
	v.Mul(v, types.PriceScale())
	return v.Quo(v, price)
}

// SlippageBps returns |expected-actual|*10000/|expected|. expected must be
// non-zero.
func SlippageBps(expected, actual *big.Int) *big.Int {
	diff := new(big.Int).Sub(expected, actual)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(types.BasisPoints))
	return diff.Quo(diff, new(big.Int).Abs(expected))
}
