package rebalance

import (
	"context"
	"math/big"

	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/oracle"
	"github.com/portfolio-rebalancer/internal/types"
)

// AssetDrift is the drift of one target asset
type AssetDrift struct {
	Asset          types.AssetID `json:"asset"`
	TargetPercent  uint32        `json:"targetPercent"`
	CurrentPercent *big.Int      `json:"currentPercent,omitempty"`
	Drift          *big.Int      `json:"drift,omitempty"`
	Priced         bool          `json:"priced"`
}

// DriftResult is a full drift breakdown of a portfolio
type DriftResult struct {
	PortfolioID    uint64       `json:"portfolioId"`
	TotalValue     *big.Int     `json:"totalValue"`
	Threshold      uint32       `json:"threshold"`
	NeedsRebalance bool         `json:"needsRebalance"`
	Assets         []AssetDrift `json:"assets"`
}

// NeedsRebalance reports whether any priced target asset drifted from its
// target by more than the portfolio threshold. A portfolio worth zero never
// needs a rebalance. Target assets without a quote are skipped here, while
// execution rejects them.
func NeedsRebalance(ctx context.Context, p *models.Portfolio, o oracle.PriceOracle) (bool, error) {
	total, err := PortfolioValue(ctx, p.CurrentBalances, o)
	if err != nil {
		return false, err
	}
	if total.Sign() == 0 {
		return false, nil
	}

	threshold := big.NewInt(int64(p.RebalanceThreshold))
	for _, asset := range sortedAssets(p.TargetAllocations) {
		q, err := quote(ctx, o, asset)
		if err != nil {
			return false, err
		}
		if q == nil {
			continue
		}
		drift := assetDrift(p.Balance(asset), q.Price, total, p.TargetAllocations[asset])
		if drift.Cmp(threshold) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// DriftReport computes the drift of every target asset. Its NeedsRebalance
// agrees with the NeedsRebalance function.
func DriftReport(ctx context.Context, p *models.Portfolio, o oracle.PriceOracle) (*DriftResult, error) {
	total, err := PortfolioValue(ctx, p.CurrentBalances, o)
	if err != nil {
		return nil, err
	}

	result := &DriftResult{
		PortfolioID: p.ID,
		TotalValue:  total,
		Threshold:   p.RebalanceThreshold,
		Assets:      make([]AssetDrift, 0, len(p.TargetAllocations)),
	}
	threshold := big.NewInt(int64(p.RebalanceThreshold))

	for _, asset := range sortedAssets(p.TargetAllocations) {
		entry := AssetDrift{Asset: asset, TargetPercent: p.TargetAllocations[asset]}

		q, err := quote(ctx, o, asset)
		if err != nil {
			return nil, err
		}
		if q != nil && total.Sign() != 0 {
			value := AssetValue(p.Balance(asset), q.Price)
			entry.Priced = true
			entry.CurrentPercent = PercentShare(value, total)
			entry.Drift = assetDrift(p.Balance(asset), q.Price, total, entry.TargetPercent)
			if entry.Drift.Cmp(threshold) > 0 {
				result.NeedsRebalance = true
			}
		} else if q != nil {
			entry.Priced = true
		}
		result.Assets = append(result.Assets, entry)
	}
	return result, nil
}

// assetDrift returns |balance*price/10^14*100/total - target|
func assetDrift(balance, price, total *big.Int, target uint32) *big.Int {
	share := PercentShare(AssetValue(balance, price), total)
	d := share.Sub(share, big.NewInt(int64(target)))
	return d.Abs(d)
}
