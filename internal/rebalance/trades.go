package rebalance

import (
	"context"
	"math/big"

	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/oracle"
	"github.com/portfolio-rebalancer/internal/types"
)

// Trade is a suggested balance change for one asset. Positive amounts buy,
// negative amounts sell.
type Trade struct {
	Asset         types.AssetID `json:"asset"`
	Current       *big.Int      `json:"current"`
	TargetBalance *big.Int      `json:"targetBalance"`
	Amount        *big.Int      `json:"amount"`
}

// PlanTrades lists the trades that would bring each priced target asset to
// its target balance. Trades of at most types.MinTradeAmount units are
// dropped as dust. The plan is advisory only.
func PlanTrades(ctx context.Context, p *models.Portfolio, o oracle.PriceOracle) ([]Trade, error) {
	total, err := PortfolioValue(ctx, p.CurrentBalances, o)
	if err != nil {
		return nil, err
	}

	minTrade := big.NewInt(types.MinTradeAmount)
	trades := []Trade{}
	for _, asset := range sortedAssets(p.TargetAllocations) {
		q, err := quote(ctx, o, asset)
		if err != nil {
			return nil, err
		}
		if q == nil || q.Price.Sign() == 0 {
			continue
		}

		current := p.Balance(asset)
		target := ExpectedBalance(total, p.TargetAllocations[asset], q.Price)
		amount := new(big.Int).Sub(target, current)
		if new(big.Int).Abs(amount).Cmp(minTrade) <= 0 {
			continue
		}

		trades = append(trades, Trade{
			Asset:         asset,
			Current:       current,
			TargetBalance: target,
			Amount:        amount,
		})
	}
	return trades, nil
}
