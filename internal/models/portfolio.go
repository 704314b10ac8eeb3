package models

import (
	"math/big"
	"time"

	"github.com/portfolio-rebalancer/internal/types"
)

// Portfolio is a user's target allocation together with its deposited balances
type Portfolio struct {
	ID                 uint64                     `json:"id" db:"id"`
	Owner              string                     `json:"owner" db:"owner"`
	TargetAllocations  map[types.AssetID]uint32   `json:"targetAllocations" db:"target_allocations"`
	CurrentBalances    map[types.AssetID]*big.Int `json:"currentBalances" db:"current_balances"`
	RebalanceThreshold uint32                     `json:"rebalanceThreshold" db:"rebalance_threshold"`
	SlippageTolerance  uint32                     `json:"slippageTolerance" db:"slippage_tolerance"`
	LastRebalance      uint64                     `json:"lastRebalance" db:"last_rebalance"`
	TotalValue         *big.Int                   `json:"totalValue" db:"total_value"`
	IsActive           bool                       `json:"isActive" db:"is_active"`
	CreatedAt          time.Time                  `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time                  `json:"updatedAt" db:"updated_at"`
}

// Balance returns the balance held for asset, or zero when none was deposited.
// The returned value is a copy.
func (p *Portfolio) Balance(asset types.AssetID) *big.Int {
	if b, ok := p.CurrentBalances[asset]; ok && b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Clone returns a deep copy of the portfolio
func (p *Portfolio) Clone() *Portfolio {
	if p == nil {
		return nil
	}

	c := *p
	c.TargetAllocations = make(map[types.AssetID]uint32, len(p.TargetAllocations))
	for k, v := range p.TargetAllocations {
		c.TargetAllocations[k] = v
	}
	c.CurrentBalances = make(map[types.AssetID]*big.Int, len(p.CurrentBalances))
	for k, v := range p.CurrentBalances {
		if v != nil {
			c.CurrentBalances[k] = new(big.Int).Set(v)
		}
	}
	if p.TotalValue != nil {
		c.TotalValue = new(big.Int).Set(p.TotalValue)
	}
	return &c
}
