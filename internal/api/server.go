// Package api exposes the rebalancer over HTTP.
package api

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/portfolio-rebalancer/internal/auth"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/rebalance"
	"github.com/portfolio-rebalancer/internal/service"
	"github.com/portfolio-rebalancer/internal/types"
)

// RebalancerServiceInterface defines the service operations the API exposes
type RebalancerServiceInterface interface {
	Initialize(ctx context.Context, admin, oracleAddress string) error
	CreatePortfolio(ctx context.Context, input *service.CreatePortfolioInput) (uint64, error)
	GetPortfolio(ctx context.Context, id uint64) (*models.Portfolio, error)
	Deposit(ctx context.Context, input *service.DepositInput) error
	CheckRebalanceNeeded(ctx context.Context, id uint64) (bool, error)
	DriftReport(ctx context.Context, id uint64) (*rebalance.DriftResult, error)
	PlanTrades(ctx context.Context, id uint64) ([]rebalance.Trade, error)
	ExecuteRebalance(ctx context.Context, input *service.ExecuteRebalanceInput) (*service.RebalanceResult, error)
	SetEmergencyStop(ctx context.Context, stop bool) error
	EmergencyStopActive(ctx context.Context) (bool, error)
	QuotePrice(ctx context.Context, asset types.AssetID) (*service.PriceView, error)
	Stats() *service.OperationStats
}

// HealthChecker reports whether a backing dependency is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	rebalancer RebalancerServiceInterface
	verifier   auth.Verifier
	health     HealthChecker
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond int // per caller
	Burst             int
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	rebalancer RebalancerServiceInterface,
	verifier auth.Verifier,
	health HealthChecker,
	logger *logging.Logger,
) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:     mux.NewRouter(),
		rebalancer: rebalancer,
		verifier:   verifier,
		health:     health,
		logger:     logger.WithComponent("api"),
		config:     config,
	}

	s.setupRouter()

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(float64(s.config.RequestsPerSecond), s.config.Burst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(CallerMiddleware(s.verifier))
	s.router.Use(RateLimitMiddleware(rateLimiter)) // keyed by the verified caller
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// preflight requests only need a matched route so CORSMiddleware runs
	s.router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	// Contract endpoints
	api.HandleFunc("/initialize", s.handleInitialize).Methods(http.MethodPost)
	api.HandleFunc("/emergency-stop", s.handleGetEmergencyStop).Methods(http.MethodGet)
	api.HandleFunc("/emergency-stop", s.handleSetEmergencyStop).Methods(http.MethodPut)
	api.HandleFunc("/oracle/prices/{asset}", s.handleGetPrice).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	// Portfolio endpoints
	api.HandleFunc("/portfolios", s.handleCreatePortfolio).Methods(http.MethodPost)
	api.HandleFunc("/portfolios/{id:[0-9]+}", s.handleGetPortfolio).Methods(http.MethodGet)
	api.HandleFunc("/portfolios/{id:[0-9]+}/deposits", s.handleDeposit).Methods(http.MethodPost)
	api.HandleFunc("/portfolios/{id:[0-9]+}/rebalance-check", s.handleRebalanceCheck).Methods(http.MethodGet)
	api.HandleFunc("/portfolios/{id:[0-9]+}/drift", s.handleDrift).Methods(http.MethodGet)
	api.HandleFunc("/portfolios/{id:[0-9]+}/trades", s.handleTrades).Methods(http.MethodGet)
	api.HandleFunc("/portfolios/{id:[0-9]+}/rebalance", s.handleExecuteRebalance).Methods(http.MethodPost)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("Health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "portfolio-rebalancer",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "portfolio-rebalancer",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
