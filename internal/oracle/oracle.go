// Package oracle provides price quotes for portfolio assets.
//
// A PriceOracle returns (nil, nil) when it holds no quote for an asset and a
// non-nil error only when the oracle itself could not be reached. Callers
// decide what a missing quote means: valuation skips the asset, the rebalance
// guard rejects the execution.
package oracle

import (
	"context"

	"github.com/portfolio-rebalancer/internal/types"
)

// PriceOracle returns the latest quote for an asset
type PriceOracle interface {
	LastPrice(ctx context.Context, asset types.AssetID) (*types.PriceQuote, error)
}

// Resolver binds the oracle address stored in contract state to a client
type Resolver interface {
	Resolve(ctx context.Context, address string) (PriceOracle, error)
}

// ResolverFunc adapts a function to the Resolver interface
type ResolverFunc func(ctx context.Context, address string) (PriceOracle, error)

// Resolve implements Resolver
func (f ResolverFunc) Resolve(ctx context.Context, address string) (PriceOracle, error) {
	return f(ctx, address)
}

// Fixed returns a Resolver that ignores the address and always yields o
func Fixed(o PriceOracle) Resolver {
	return ResolverFunc(func(context.Context, string) (PriceOracle, error) {
		return o, nil
	})
}
