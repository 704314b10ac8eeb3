package storage

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

// portfolioRecord is the persisted form of a portfolio. Amounts are decimal
// strings so no backend has to round-trip 128-bit numbers.
type portfolioRecord struct {
	ID                 uint64            `json:"id"`
	Owner              string            `json:"owner"`
	TargetAllocations  map[string]uint32 `json:"targetAllocations"`
	CurrentBalances    map[string]string `json:"currentBalances"`
	RebalanceThreshold uint32            `json:"rebalanceThreshold"`
	SlippageTolerance  uint32            `json:"slippageTolerance"`
	LastRebalance      uint64            `json:"lastRebalance"`
	TotalValue         string            `json:"totalValue"`
	IsActive           bool              `json:"isActive"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

func encodeTargets(targets map[types.AssetID]uint32) map[string]uint32 {
	out := make(map[string]uint32, len(targets))
	for k, v := range targets {
		out[string(k)] = v
	}
	return out
}

func decodeTargets(in map[string]uint32) map[types.AssetID]uint32 {
	out := make(map[types.AssetID]uint32, len(in))
	for k, v := range in {
		out[types.AssetID(k)] = v
	}
	return out
}

func encodeBalances(balances map[types.AssetID]*big.Int) map[string]string {
	out := make(map[string]string, len(balances))
	for k, v := range balances {
		if v != nil {
			out[string(k)] = v.String()
		}
	}
	return out
}

func decodeBalances(in map[string]string) (map[types.AssetID]*big.Int, error) {
	out := make(map[types.AssetID]*big.Int, len(in))
	for k, v := range in {
		n, err := parseAmount(v)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", k, err)
		}
		out[types.AssetID(k)] = n
	}
	return out, nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func encodePortfolio(p *models.Portfolio) ([]byte, error) {
	return json.Marshal(portfolioRecord{
		ID:                 p.ID,
		Owner:              p.Owner,
		TargetAllocations:  encodeTargets(p.TargetAllocations),
		CurrentBalances:    encodeBalances(p.CurrentBalances),
		RebalanceThreshold: p.RebalanceThreshold,
		SlippageTolerance:  p.SlippageTolerance,
		LastRebalance:      p.LastRebalance,
		TotalValue:         amountString(p.TotalValue),
		IsActive:           p.IsActive,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	})
}

func decodePortfolio(data []byte) (*models.Portfolio, error) {
	var rec portfolioRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode portfolio: %w", err)
	}

	balances, err := decodeBalances(rec.CurrentBalances)
	if err != nil {
		return nil, err
	}
	total, err := parseAmount(rec.TotalValue)
	if err != nil {
		return nil, err
	}

	return &models.Portfolio{
		ID:                 rec.ID,
		Owner:              rec.Owner,
		TargetAllocations:  decodeTargets(rec.TargetAllocations),
		CurrentBalances:    balances,
		RebalanceThreshold: rec.RebalanceThreshold,
		SlippageTolerance:  rec.SlippageTolerance,
		LastRebalance:      rec.LastRebalance,
		TotalValue:         total,
		IsActive:           rec.IsActive,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}, nil
}
