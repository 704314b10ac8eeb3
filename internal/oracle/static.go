package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/portfolio-rebalancer/internal/types"
)

// StaticOracle serves quotes from memory. It backs local runs without an RPC
// endpoint and most tests.
type StaticOracle struct {
	mu     sync.RWMutex
	quotes map[types.AssetID]types.PriceQuote
}

// NewStaticOracle creates an empty static oracle
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{quotes: make(map[types.AssetID]types.PriceQuote)}
}

// Set stores a quote for asset
func (s *StaticOracle) Set(asset types.AssetID, price *big.Int, timestamp uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[asset] = types.PriceQuote{
		Asset:     asset,
		Price:     new(big.Int).Set(price),
		Timestamp: timestamp,
	}
}

// Remove drops the quote for asset
func (s *StaticOracle) Remove(asset types.AssetID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotes, asset)
}

// LastPrice implements PriceOracle
func (s *StaticOracle) LastPrice(_ context.Context, asset types.AssetID) (*types.PriceQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[asset]
	if !ok {
		return nil, nil
	}
	return &types.PriceQuote{
		Asset:     q.Asset,
		Price:     new(big.Int).Set(q.Price),
		Timestamp: q.Timestamp,
	}, nil
}

// ParseStaticPrices builds a StaticOracle from "asset=price@timestamp,..."
// where price is a human-readable decimal (scaled by 10^14 on load).
func ParseStaticPrices(spec string) (*StaticOracle, error) {
	o := NewStaticOracle()
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		assetPart, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("static price %q: missing '='", entry)
		}
		pricePart, tsPart, ok := strings.Cut(rest, "@")
		if !ok {
			return nil, fmt.Errorf("static price %q: missing '@timestamp'", entry)
		}

		asset := types.NormalizeAsset(assetPart)
		if asset == "" {
			return nil, fmt.Errorf("static price %q: empty asset", entry)
		}

		price, err := decimal.NewFromString(strings.TrimSpace(pricePart))
		if err != nil {
			return nil, fmt.Errorf("static price %q: %w", entry, err)
		}
		scaled := price.Shift(types.PriceDecimals).BigInt()

		ts, err := strconv.ParseUint(strings.TrimSpace(tsPart), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("static price %q: bad timestamp: %w", entry, err)
		}

		o.Set(asset, scaled, ts)
	}
	return o, nil
}
