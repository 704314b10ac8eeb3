// Package rebalance is the portfolio decision engine: allocation checks,
// valuation, drift detection, the execution guard and slippage validation.
//
// Nothing here persists state or moves funds. Every function takes the
// portfolio data and a price oracle and returns a verdict.
package rebalance

import (
	"maps"
	"slices"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/types"
)

// ValidateAllocations reports whether the percentages sum to exactly 100.
// An empty allocation is invalid. The running sum stops at the first value
// above 100, so it cannot overflow.
func ValidateAllocations(allocations map[types.AssetID]uint32) bool {
	var total uint64
	for _, pct := range allocations {
		total += uint64(pct)
		if total > uint64(types.AllocationTotal) {
			return false
		}
	}
	return total == uint64(types.AllocationTotal)
}

// CheckAllocations is ValidateAllocations returning INVALID_ALLOCATION
func CheckAllocations(allocations map[types.AssetID]uint32) error {
	if ValidateAllocations(allocations) {
		return nil
	}
	var total uint64
	for _, pct := range allocations {
		total += uint64(pct)
	}
	return apperrors.NewInvalidAllocationError(total, len(allocations))
}

// CheckThreshold validates a drift threshold in percentage points
func CheckThreshold(threshold uint32) error {
	if threshold < types.MinRebalanceThreshold || threshold > types.MaxRebalanceThreshold {
		return apperrors.NewInvalidThresholdError(threshold)
	}
	return nil
}

// CheckSlippageTolerance validates a tolerance in basis points
func CheckSlippageTolerance(tolerance uint32) error {
	if tolerance < types.MinSlippageTolerance || tolerance > types.MaxSlippageTolerance {
		return apperrors.NewInvalidSlippageToleranceError(tolerance)
	}
	return nil
}

// sortedAssets returns the keys of m in a stable order so that errors name
// the same asset on every run
func sortedAssets[V any](m map[types.AssetID]V) []types.AssetID {
	return slices.Sorted(maps.Keys(m))
}
