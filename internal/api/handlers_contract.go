package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/portfolio-rebalancer/internal/types"
)

// handleInitialize handles POST /api/initialize
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Admin         string `json:"admin"`
		OracleAddress string `json:"oracleAddress"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if err := s.rebalancer.Initialize(r.Context(), req.Admin, req.OracleAddress); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]bool{"initialized": true})
}

// handleGetEmergencyStop handles GET /api/emergency-stop
func (s *Server) handleGetEmergencyStop(w http.ResponseWriter, r *http.Request) {
	active, err := s.rebalancer.EmergencyStopActive(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"active": active})
}

// handleSetEmergencyStop handles PUT /api/emergency-stop
func (s *Server) handleSetEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := parseJSONBody(r, &req); err != nil || req.Active == nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if err := s.rebalancer.SetEmergencyStop(r.Context(), *req.Active); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"active": *req.Active})
}

// handleGetPrice handles GET /api/oracle/prices/{asset}
func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	view, err := s.rebalancer.QuotePrice(r.Context(), types.AssetID(mux.Vars(r)["asset"]))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"asset":     view.Quote.Asset,
		"price":     amountString(view.Quote.Price),
		"decimal":   view.Quote.Decimal().String(),
		"timestamp": view.Quote.Timestamp,
		"age":       view.Age,
		"stale":     view.Stale,
	})
}

// handleStats handles GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"operations": s.rebalancer.Stats().Snapshot(),
	})
}
