package api

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/portfolio-rebalancer/internal/auth"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/rebalance"
	"github.com/portfolio-rebalancer/internal/service"
	"github.com/portfolio-rebalancer/internal/types"
)

// portfolioResponse renders amounts as decimal strings
type portfolioResponse struct {
	ID                 uint64                   `json:"id"`
	Owner              string                   `json:"owner"`
	TargetAllocations  map[types.AssetID]uint32 `json:"targetAllocations"`
	CurrentBalances    map[types.AssetID]string `json:"currentBalances"`
	RebalanceThreshold uint32                   `json:"rebalanceThreshold"`
	SlippageTolerance  uint32                   `json:"slippageTolerance"`
	LastRebalance      uint64                   `json:"lastRebalance"`
	TotalValue         string                   `json:"totalValue"`
	IsActive           bool                     `json:"isActive"`
	CreatedAt          time.Time                `json:"createdAt"`
	UpdatedAt          time.Time                `json:"updatedAt"`
}

func newPortfolioResponse(p *models.Portfolio) *portfolioResponse {
	balances := make(map[types.AssetID]string, len(p.CurrentBalances))
	for asset, b := range p.CurrentBalances {
		balances[asset] = amountString(b)
	}
	return &portfolioResponse{
		ID:                 p.ID,
		Owner:              p.Owner,
		TargetAllocations:  p.TargetAllocations,
		CurrentBalances:    balances,
		RebalanceThreshold: p.RebalanceThreshold,
		SlippageTolerance:  p.SlippageTolerance,
		LastRebalance:      p.LastRebalance,
		TotalValue:         amountString(p.TotalValue),
		IsActive:           p.IsActive,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

type assetDriftResponse struct {
	Asset          types.AssetID `json:"asset"`
	TargetPercent  uint32        `json:"targetPercent"`
	CurrentPercent string        `json:"currentPercent,omitempty"`
	Drift          string        `json:"drift,omitempty"`
	Priced         bool          `json:"priced"`
}

type driftResponse struct {
	PortfolioID    uint64               `json:"portfolioId"`
	TotalValue     string               `json:"totalValue"`
	Threshold      uint32               `json:"threshold"`
	NeedsRebalance bool                 `json:"needsRebalance"`
	Assets         []assetDriftResponse `json:"assets"`
}

func newDriftResponse(d *rebalance.DriftResult) *driftResponse {
	assets := make([]assetDriftResponse, 0, len(d.Assets))
	for _, a := range d.Assets {
		entry := assetDriftResponse{Asset: a.Asset, TargetPercent: a.TargetPercent, Priced: a.Priced}
		if a.Priced {
			entry.CurrentPercent = amountString(a.CurrentPercent)
			entry.Drift = amountString(a.Drift)
		}
		assets = append(assets, entry)
	}
	return &driftResponse{
		PortfolioID:    d.PortfolioID,
		TotalValue:     amountString(d.TotalValue),
		Threshold:      d.Threshold,
		NeedsRebalance: d.NeedsRebalance,
		Assets:         assets,
	}
}

type tradeResponse struct {
	Asset         types.AssetID `json:"asset"`
	Side          string        `json:"side"`
	Current       string        `json:"current"`
	TargetBalance string        `json:"targetBalance"`
	Amount        string        `json:"amount"`
}

func newTradeResponse(t rebalance.Trade) tradeResponse {
	side := "buy"
	if t.Amount.Sign() < 0 {
		side = "sell"
	}
	return tradeResponse{
		Asset:         t.Asset,
		Side:          side,
		Current:       amountString(t.Current),
		TargetBalance: amountString(t.TargetBalance),
		Amount:        amountString(t.Amount),
	}
}

// parsePortfolioID reads the {id} route variable
func parsePortfolioID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		return 0, apperrors.NewInvalidParameterError("id", "expected a positive integer")
	}
	return id, nil
}

// parseAmount parses a base-10 integer amount
func parseAmount(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, apperrors.NewInvalidParameterError(field, "expected a base-10 integer string")
	}
	return v, nil
}

// handleCreatePortfolio handles POST /api/portfolios
func (s *Server) handleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner              string                   `json:"owner,omitempty"`
		TargetAllocations  map[types.AssetID]uint32 `json:"targetAllocations"`
		RebalanceThreshold uint32                   `json:"rebalanceThreshold"`
		SlippageTolerance  uint32                   `json:"slippageTolerance"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	// the owner defaults to the verified caller
	if req.Owner == "" {
		req.Owner, _ = auth.CallerFromContext(r.Context())
	}

	id, err := s.rebalancer.CreatePortfolio(r.Context(), &service.CreatePortfolioInput{
		Owner:              req.Owner,
		TargetAllocations:  req.TargetAllocations,
		RebalanceThreshold: req.RebalanceThreshold,
		SlippageTolerance:  req.SlippageTolerance,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

// handleGetPortfolio handles GET /api/portfolios/{id}
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortfolioID(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	p, err := s.rebalancer.GetPortfolio(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, newPortfolioResponse(p))
}

// handleDeposit handles POST /api/portfolios/{id}/deposits
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortfolioID(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	var req struct {
		Asset  types.AssetID `json:"asset"`
		Amount string        `json:"amount"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	err = s.rebalancer.Deposit(r.Context(), &service.DepositInput{PortfolioID: id, Asset: req.Asset, Amount: amount})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	p, err := s.rebalancer.GetPortfolio(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newPortfolioResponse(p))
}

// handleRebalanceCheck handles GET /api/portfolios/{id}/rebalance-check
func (s *Server) handleRebalanceCheck(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortfolioID(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	needed, err := s.rebalancer.CheckRebalanceNeeded(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"portfolioId":    id,
		"needsRebalance": needed,
	})
}

// handleDrift handles GET /api/portfolios/{id}/drift
func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortfolioID(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	report, err := s.rebalancer.DriftReport(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, newDriftResponse(report))
}

// handleTrades handles GET /api/portfolios/{id}/trades
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortfolioID(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	trades, err := s.rebalancer.PlanTrades(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	out := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, newTradeResponse(t))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"portfolioId": id,
		"trades":      out,
	})
}

// handleExecuteRebalance handles POST /api/portfolios/{id}/rebalance
func (s *Server) handleExecuteRebalance(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortfolioID(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	var req struct {
		ProposedBalances map[types.AssetID]string `json:"proposedBalances"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	proposed := make(map[types.AssetID]*big.Int, len(req.ProposedBalances))
	for asset, raw := range req.ProposedBalances {
		amount, err := parseAmount("proposedBalances."+string(asset), raw)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		proposed[asset] = amount
	}

	result, err := s.rebalancer.ExecuteRebalance(r.Context(), &service.ExecuteRebalanceInput{
		PortfolioID:      id,
		ProposedBalances: proposed,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"portfolioId":   result.PortfolioID,
		"lastRebalance": result.LastRebalance,
		"totalValue":    amountString(result.TotalValue),
	})
}
