package rebalance

import (
	"context"
	"math"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/oracle"
	"github.com/portfolio-rebalancer/internal/types"
)

// PriceSet holds the quotes a guard verified, keyed by asset
type PriceSet map[types.AssetID]*types.PriceQuote

// GuardInput is the state a rebalance execution is checked against
type GuardInput struct {
	EmergencyStop bool
	LastRebalance uint64
	Now           uint64
	Targets       map[types.AssetID]uint32
}

// Guard enforces the preconditions of a rebalance execution
type Guard struct {
	Cooldown    uint64 // seconds between two rebalances
	MaxPriceAge uint64 // seconds a quote stays usable
}

// DefaultGuard uses a one hour cooldown and a one hour staleness window
func DefaultGuard() Guard {
	return Guard{Cooldown: types.CooldownWindow, MaxPriceAge: types.MaxPriceAge}
}

// Check runs, in order: emergency stop, cooldown, then a fresh positive
// quote for every target asset. It returns the verified quotes.
func (g Guard) Check(ctx context.Context, in GuardInput, o oracle.PriceOracle) (PriceSet, error) {
	if in.EmergencyStop {
		return nil, apperrors.NewEmergencyStopError()
	}

	if remaining := g.CooldownRemaining(in.LastRebalance, in.Now); remaining > 0 {
		return nil, apperrors.NewCooldownActiveError(in.LastRebalance, in.Now, remaining)
	}

	prices := make(PriceSet, len(in.Targets))
	for _, asset := range sortedAssets(in.Targets) {
		q, err := quote(ctx, o, asset)
		if err != nil {
			return nil, err
		}
		if q == nil {
			return nil, apperrors.NewMissingPriceError(asset)
		}
		if q.IsStale(in.Now, g.MaxPriceAge) {
			return nil, apperrors.NewStalePriceError(asset, q.Timestamp, in.Now)
		}
		if q.Price.Sign() <= 0 {
			return nil, apperrors.NewInvalidPriceError(asset, q.Price.String())
		}
		prices[asset] = q
	}
	return prices, nil
}

// CooldownRemaining returns the seconds left before a rebalance is allowed.
// The window end saturates instead of wrapping.
func (g Guard) CooldownRemaining(lastRebalance, now uint64) uint64 {
	end := lastRebalance + g.Cooldown
	if end < lastRebalance {
		end = math.MaxUint64
	}
	return types.SaturatingSub(end, now)
}
