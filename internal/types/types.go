// Package types provides common type definitions for the portfolio rebalancer.
package types

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the implicit decimal exponent of every oracle price.
const PriceDecimals = 14

const (
	// CooldownWindow is the minimum number of seconds between two rebalances
	CooldownWindow uint64 = 3600
	// MaxPriceAge is the maximum age in seconds of a quote usable for execution
	MaxPriceAge uint64 = 3600
	// MinTradeAmount is the smallest absolute trade the planner reports
	MinTradeAmount int64 = 1_000_000
)

// Allocation bounds
const (
	AllocationTotal       uint32 = 100
	MinRebalanceThreshold uint32 = 1
	MaxRebalanceThreshold uint32 = 50
	MinSlippageTolerance  uint32 = 10
	MaxSlippageTolerance  uint32 = 500
	BasisPoints           int64  = 10_000
)

var (
	priceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)

	// maxAmount and minAmount bound stored balances to the signed 128-bit range
	maxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minAmount = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// PriceScale returns 10^PriceDecimals. The returned value is a fresh copy.
func PriceScale() *big.Int {
	return new(big.Int).Set(priceScale)
}

// FitsAmount reports whether v fits in a signed 128-bit integer.
func FitsAmount(v *big.Int) bool {
	return v.Cmp(minAmount) >= 0 && v.Cmp(maxAmount) <= 0
}

// AssetID identifies a fungible asset (a token contract address)
type AssetID string

// NormalizeAsset lower-cases and trims an asset identifier
func NormalizeAsset(s string) AssetID {
	return AssetID(strings.ToLower(strings.TrimSpace(s)))
}

// String implements fmt.Stringer
func (a AssetID) String() string {
	return string(a)
}

// PriceQuote is a single oracle observation for an asset
type PriceQuote struct {
	Asset     AssetID  `json:"asset"`
	Price     *big.Int `json:"price"`     // scaled by 10^PriceDecimals
	Timestamp uint64   `json:"timestamp"` // unix seconds
}

// IsStale reports whether the quote is older than maxAge at now.
// A quote from the future is never stale.
func (q *PriceQuote) IsStale(now, maxAge uint64) bool {
	return SaturatingSub(now, q.Timestamp) > maxAge
}

// Decimal returns the price as a human-readable decimal
func (q *PriceQuote) Decimal() decimal.Decimal {
	if q.Price == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(q.Price, -PriceDecimals)
}

// SaturatingSub returns a-b, or 0 when b > a
func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// EventType represents the kind of portfolio event
type EventType string

const (
	// EventInitialized is emitted once when the contract is initialized
	EventInitialized EventType = "contract.initialized"
	// EventPortfolioCreated is emitted after a portfolio is created
	EventPortfolioCreated EventType = "portfolio.created"
	// EventDeposit is emitted after a deposit is committed
	EventDeposit EventType = "portfolio.deposit"
	// EventRebalanced is emitted after a rebalance is committed
	EventRebalanced EventType = "portfolio.rebalanced"
	// EventRebalanceNeeded is emitted by the drift monitor
	EventRebalanceNeeded EventType = "portfolio.rebalance_needed"
	// EventEmergencyStop is emitted when the emergency stop flag changes
	EventEmergencyStop EventType = "contract.emergency_stop"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
