package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/portfolio-rebalancer/internal/auth"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/events"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/oracle"
	"github.com/portfolio-rebalancer/internal/rebalance"
	"github.com/portfolio-rebalancer/internal/storage"
	"github.com/portfolio-rebalancer/internal/types"
)

// RebalancerService is the public operation surface. Every operation runs
// inside one store unit and sees one price snapshot; events are published
// only after the unit commits.
type RebalancerService struct {
	store    storage.Store
	resolver oracle.Resolver
	authz    auth.Authorizer
	sink     events.Sink
	guard    rebalance.Guard
	stats    *OperationStats
	now      func() time.Time
}

// Option configures a RebalancerService
type Option func(*RebalancerService)

// WithClock replaces the wall clock used for ledger time
func WithClock(now func() time.Time) Option {
	return func(s *RebalancerService) { s.now = now }
}

// WithStats records operation outcomes into stats
func WithStats(stats *OperationStats) Option {
	return func(s *RebalancerService) { s.stats = stats }
}

// WithGuard replaces the default cooldown and staleness windows
func WithGuard(g rebalance.Guard) Option {
	return func(s *RebalancerService) { s.guard = g }
}

// NewRebalancerService creates a new rebalancer service
func NewRebalancerService(
	store storage.Store,
	resolver oracle.Resolver,
	authz auth.Authorizer,
	sink events.Sink,
	opts ...Option,
) *RebalancerService {
	if sink == nil {
		sink = events.Nop{}
	}
	s := &RebalancerService{
		store:    store,
		resolver: resolver,
		authz:    authz,
		sink:     sink,
		guard:    rebalance.DefaultGuard(),
		stats:    NewOperationStats(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Input types

// CreatePortfolioInput represents input for creating a portfolio
type CreatePortfolioInput struct {
	Owner              string                   `json:"owner"`
	TargetAllocations  map[types.AssetID]uint32 `json:"targetAllocations"`
	RebalanceThreshold uint32                   `json:"rebalanceThreshold"`
	SlippageTolerance  uint32                   `json:"slippageTolerance"`
}

// DepositInput represents a deposit into a portfolio
type DepositInput struct {
	PortfolioID uint64        `json:"portfolioId"`
	Asset       types.AssetID `json:"asset"`
	Amount      *big.Int      `json:"amount"`
}

// ExecuteRebalanceInput carries the balances the caller claims will result
// from executing the rebalance
type ExecuteRebalanceInput struct {
	PortfolioID      uint64                     `json:"portfolioId"`
	ProposedBalances map[types.AssetID]*big.Int `json:"proposedBalances"`
}

// Output types

// RebalanceResult describes a committed rebalance
type RebalanceResult struct {
	PortfolioID   uint64   `json:"portfolioId"`
	LastRebalance uint64   `json:"lastRebalance"`
	TotalValue    *big.Int `json:"totalValue"`
}

// PriceView is an oracle quote as seen at the current ledger time
type PriceView struct {
	Quote *types.PriceQuote `json:"quote"`
	Age   uint64            `json:"age"`
	Stale bool              `json:"stale"`
}

// Initialize records the admin and the oracle address. It can run once.
func (s *RebalancerService) Initialize(ctx context.Context, admin, oracleAddress string) error {
	start := time.Now()
	err := s.initialize(ctx, admin, oracleAddress)
	s.stats.Record(OpInitialize, time.Since(start), err)
	return err
}

func (s *RebalancerService) initialize(ctx context.Context, admin, oracleAddress string) error {
	admin = auth.NormalizeIdentity(admin)
	if admin == "" {
		return apperrors.NewInvalidParameterError("admin", "required")
	}
	if oracleAddress == "" {
		return apperrors.NewInvalidParameterError("oracleAddress", "required")
	}

	_, ledger := s.clock()
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		state, err := tx.State(ctx)
		if err != nil {
			return err
		}
		if state.Initialized {
			return apperrors.NewAlreadyInitializedError()
		}
		if _, err := s.resolver.Resolve(ctx, oracleAddress); err != nil {
			return err
		}

		state.Initialized = true
		state.Admin = admin
		state.OracleAddress = oracleAddress
		return tx.SaveState(ctx, state)
	})
	if err != nil {
		return err
	}

	s.logger(ctx).WithFields(map[string]interface{}{
		"admin":  admin,
		"oracle": oracleAddress,
	}).Info("Contract initialized")
	s.publish(ctx, events.New(types.EventInitialized, 0, admin, ledger, map[string]string{
		"oracle": oracleAddress,
	}))
	return nil
}

// CreatePortfolio validates the allocation and parameters and stores a new
// portfolio owned by the caller. Ids are 1, 2, 3, ...
func (s *RebalancerService) CreatePortfolio(ctx context.Context, input *CreatePortfolioInput) (uint64, error) {
	start := time.Now()
	id, err := s.createPortfolio(ctx, input)
	s.stats.Record(OpCreatePortfolio, time.Since(start), err)
	return id, err
}

func (s *RebalancerService) createPortfolio(ctx context.Context, input *CreatePortfolioInput) (uint64, error) {
	owner := auth.NormalizeIdentity(input.Owner)
	if owner == "" {
		return 0, apperrors.NewInvalidParameterError("owner", "required")
	}

	wall, ledger := s.clock()
	var id uint64
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		state, err := loadState(ctx, tx)
		if err != nil {
			return err
		}
		if err := s.authz.RequireCaller(ctx, owner); err != nil {
			return err
		}

		targets, err := normalizeTargets(input.TargetAllocations)
		if err != nil {
			return err
		}
		if err := rebalance.CheckAllocations(targets); err != nil {
			return err
		}
		if err := rebalance.CheckThreshold(input.RebalanceThreshold); err != nil {
			return err
		}
		if err := rebalance.CheckSlippageTolerance(input.SlippageTolerance); err != nil {
			return err
		}

		id = state.AllocateID()
		if err := tx.SaveState(ctx, state); err != nil {
			return err
		}
		return tx.SavePortfolio(ctx, &models.Portfolio{
			ID:                 id,
			Owner:              owner,
			TargetAllocations:  targets,
			CurrentBalances:    make(map[types.AssetID]*big.Int),
			RebalanceThreshold: input.RebalanceThreshold,
			SlippageTolerance:  input.SlippageTolerance,
			LastRebalance:      ledger,
			TotalValue:         new(big.Int),
			IsActive:           true,
			CreatedAt:          wall,
			UpdatedAt:          wall,
		})
	})
	if err != nil {
		return 0, err
	}

	s.logger(ctx).WithFields(map[string]interface{}{
		"portfolio_id": id,
		"owner":        owner,
		"assets":       len(input.TargetAllocations),
	}).Info("Portfolio created")
	s.publish(ctx, events.New(types.EventPortfolioCreated, id, owner, ledger, map[string]string{
		"threshold": strconv.FormatUint(uint64(input.RebalanceThreshold), 10),
		"tolerance": strconv.FormatUint(uint64(input.SlippageTolerance), 10),
	}))
	return id, nil
}

// GetPortfolio returns a portfolio by id
func (s *RebalancerService) GetPortfolio(ctx context.Context, id uint64) (*models.Portfolio, error) {
	var p *models.Portfolio
	err := s.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := loadState(ctx, tx); err != nil {
			return err
		}
		var err error
		p, err = tx.GetPortfolio(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Deposit adds a positive amount of an asset to a portfolio. Assets outside
// the target allocation are accepted.
func (s *RebalancerService) Deposit(ctx context.Context, input *DepositInput) error {
	start := time.Now()
	err := s.deposit(ctx, input)
	s.stats.Record(OpDeposit, time.Since(start), err)
	return err
}

func (s *RebalancerService) deposit(ctx context.Context, input *DepositInput) error {
	asset := types.NormalizeAsset(string(input.Asset))
	if asset == "" {
		return apperrors.NewInvalidParameterError("asset", "required")
	}

	wall, ledger := s.clock()
	var balance *big.Int
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		state, err := loadState(ctx, tx)
		if err != nil {
			return err
		}
		if input.Amount == nil || input.Amount.Sign() <= 0 {
			return apperrors.NewInvalidAmountError(amountString(input.Amount))
		}
		if state.EmergencyStop {
			return apperrors.NewEmergencyStopError()
		}

		p, err := tx.GetPortfolio(ctx, input.PortfolioID)
		if err != nil {
			return err
		}
		if err := s.authz.RequireCaller(ctx, p.Owner); err != nil {
			return err
		}
		if !p.IsActive {
			return apperrors.NewPortfolioInactiveError(p.ID)
		}

		balance = p.Balance(asset)
		balance.Add(balance, input.Amount)
		if !types.FitsAmount(balance) {
			return apperrors.NewAmountOverflowError(asset)
		}
		p.CurrentBalances[asset] = balance
		p.UpdatedAt = wall
		return tx.SavePortfolio(ctx, p)
	})
	if err != nil {
		return err
	}

	actor, _ := auth.CallerFromContext(ctx)
	s.logger(ctx).WithFields(map[string]interface{}{
		"portfolio_id": input.PortfolioID,
		"asset":        asset.String(),
		"amount":       input.Amount.String(),
	}).Info("Deposit recorded")
	s.publish(ctx, events.New(types.EventDeposit, input.PortfolioID, actor, ledger, map[string]string{
		"asset":   asset.String(),
		"amount":  input.Amount.String(),
		"balance": balance.String(),
	}))
	return nil
}

// CheckRebalanceNeeded reports whether any priced target asset drifted past
// the portfolio threshold. Read-only.
func (s *RebalancerService) CheckRebalanceNeeded(ctx context.Context, id uint64) (bool, error) {
	var needed bool
	err := s.readPortfolio(ctx, id, func(ctx context.Context, p *models.Portfolio, o oracle.PriceOracle) error {
		var err error
		needed, err = rebalance.NeedsRebalance(ctx, p, o)
		return err
	})
	return needed, err
}

// DriftReport returns the per-asset drift breakdown of a portfolio
func (s *RebalancerService) DriftReport(ctx context.Context, id uint64) (*rebalance.DriftResult, error) {
	var report *rebalance.DriftResult
	err := s.readPortfolio(ctx, id, func(ctx context.Context, p *models.Portfolio, o oracle.PriceOracle) error {
		var err error
		report, err = rebalance.DriftReport(ctx, p, o)
		return err
	})
	return report, err
}

// PlanTrades returns the advisory trades that would bring a portfolio back
// to its target allocation
func (s *RebalancerService) PlanTrades(ctx context.Context, id uint64) ([]rebalance.Trade, error) {
	var trades []rebalance.Trade
	err := s.readPortfolio(ctx, id, func(ctx context.Context, p *models.Portfolio, o oracle.PriceOracle) error {
		var err error
		trades, err = rebalance.PlanTrades(ctx, p, o)
		return err
	})
	return trades, err
}

// ExecuteRebalance authorizes a rebalance whose outcome is the proposed
// balance set. Checks run in order: emergency stop, ownership, cooldown,
// price coverage, slippage. Nothing is written unless all pass.
func (s *RebalancerService) ExecuteRebalance(ctx context.Context, input *ExecuteRebalanceInput) (*RebalanceResult, error) {
	start := time.Now()
	result, err := s.executeRebalance(ctx, input)
	s.stats.Record(OpExecuteRebalance, time.Since(start), err)
	return result, err
}

func (s *RebalancerService) executeRebalance(ctx context.Context, input *ExecuteRebalanceInput) (*RebalanceResult, error) {
	wall, ledger := s.clock()
	var result *RebalanceResult
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		state, err := loadState(ctx, tx)
		if err != nil {
			return err
		}
		if state.EmergencyStop {
			return apperrors.NewEmergencyStopError()
		}

		p, err := tx.GetPortfolio(ctx, input.PortfolioID)
		if err != nil {
			return err
		}
		if err := s.authz.RequireCaller(ctx, p.Owner); err != nil {
			return err
		}
		if !p.IsActive {
			return apperrors.NewPortfolioInactiveError(p.ID)
		}
		proposed, err := normalizeBalances(input.ProposedBalances)
		if err != nil {
			return err
		}

		o, err := s.snapshot(ctx, state)
		if err != nil {
			return err
		}
		prices, err := s.guard.Check(ctx, rebalance.GuardInput{
			EmergencyStop: state.EmergencyStop,
			LastRebalance: p.LastRebalance,
			Now:           ledger,
			Targets:       p.TargetAllocations,
		}, o)
		if err != nil {
			return err
		}

		err = rebalance.ValidateSlippage(ctx, rebalance.SlippageInput{
			Current:   p.CurrentBalances,
			Proposed:  proposed,
			Targets:   p.TargetAllocations,
			Tolerance: p.SlippageTolerance,
			Prices:    prices,
		}, o)
		if err != nil {
			return err
		}

		total, err := rebalance.PortfolioValue(ctx, p.CurrentBalances, o)
		if err != nil {
			return err
		}
		p.LastRebalance = ledger
		p.TotalValue = total
		p.UpdatedAt = wall
		if err := tx.SavePortfolio(ctx, p); err != nil {
			return err
		}

		result = &RebalanceResult{PortfolioID: p.ID, LastRebalance: ledger, TotalValue: new(big.Int).Set(total)}
		return nil
	})
	if err != nil {
		s.logger(ctx).WithError(err).WithField("portfolio_id", input.PortfolioID).Warn("Rebalance rejected")
		return nil, err
	}

	actor, _ := auth.CallerFromContext(ctx)
	s.logger(ctx).WithFields(map[string]interface{}{
		"portfolio_id": result.PortfolioID,
		"total_value":  result.TotalValue.String(),
	}).Info("Rebalance executed")
	s.publish(ctx, events.New(types.EventRebalanced, result.PortfolioID, actor, ledger, map[string]string{
		"total_value": result.TotalValue.String(),
	}))
	return result, nil
}

// SetEmergencyStop sets or clears the emergency stop. Admin only.
func (s *RebalancerService) SetEmergencyStop(ctx context.Context, stop bool) error {
	start := time.Now()
	err := s.setEmergencyStop(ctx, stop)
	s.stats.Record(OpSetEmergencyStop, time.Since(start), err)
	return err
}

func (s *RebalancerService) setEmergencyStop(ctx context.Context, stop bool) error {
	_, ledger := s.clock()
	var admin string
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		state, err := loadState(ctx, tx)
		if err != nil {
			return err
		}
		if err := s.authz.RequireCaller(ctx, state.Admin); err != nil {
			return err
		}
		admin = state.Admin
		state.EmergencyStop = stop
		return tx.SaveState(ctx, state)
	})
	if err != nil {
		return err
	}

	s.logger(ctx).WithField("emergency_stop", stop).Warn("Emergency stop changed")
	s.publish(ctx, events.New(types.EventEmergencyStop, 0, admin, ledger, map[string]string{
		"active": strconv.FormatBool(stop),
	}))
	return nil
}

// Stats returns the operation statistics recorder
func (s *RebalancerService) Stats() *OperationStats {
	return s.stats
}

// EmergencyStopActive reports the emergency stop flag
func (s *RebalancerService) EmergencyStopActive(ctx context.Context) (bool, error) {
	state, err := s.ContractState(ctx)
	if err != nil {
		return false, err
	}
	return state.EmergencyStop, nil
}

// ContractState returns a copy of the contract settings
func (s *RebalancerService) ContractState(ctx context.Context) (*models.ContractState, error) {
	var state *models.ContractState
	err := s.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		state, err = loadState(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// QuotePrice returns the oracle's latest quote for an asset with its age
func (s *RebalancerService) QuotePrice(ctx context.Context, asset types.AssetID) (*PriceView, error) {
	asset = types.NormalizeAsset(string(asset))
	if asset == "" {
		return nil, apperrors.NewInvalidParameterError("asset", "required")
	}

	_, ledger := s.clock()
	var view *PriceView
	err := s.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		state, err := loadState(ctx, tx)
		if err != nil {
			return err
		}
		o, err := s.snapshot(ctx, state)
		if err != nil {
			return err
		}
		q, err := o.LastPrice(ctx, asset)
		if err != nil {
			var catErr *apperrors.CategorizedError
			if !errors.As(err, &catErr) {
				err = apperrors.NewProviderError("oracle", err)
			}
			return err
		}
		if q == nil {
			return apperrors.NewMissingPriceError(asset)
		}
		view = &PriceView{
			Quote: q,
			Age:   types.SaturatingSub(ledger, q.Timestamp),
			Stale: q.IsStale(ledger, s.guard.MaxPriceAge),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// readPortfolio runs fn against a portfolio and a fresh price snapshot in a
// read-only unit
func (s *RebalancerService) readPortfolio(ctx context.Context, id uint64, fn func(ctx context.Context, p *models.Portfolio, o oracle.PriceOracle) error) error {
	return s.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		state, err := loadState(ctx, tx)
		if err != nil {
			return err
		}
		p, err := tx.GetPortfolio(ctx, id)
		if err != nil {
			return err
		}
		o, err := s.snapshot(ctx, state)
		if err != nil {
			return err
		}
		return fn(ctx, p, o)
	})
}

func (s *RebalancerService) snapshot(ctx context.Context, state *models.ContractState) (*oracle.Snapshot, error) {
	o, err := s.resolver.Resolve(ctx, state.OracleAddress)
	if err != nil {
		return nil, err
	}
	return oracle.NewSnapshot(o), nil
}

// clock returns the wall time and the ledger time in unix seconds
func (s *RebalancerService) clock() (time.Time, uint64) {
	now := s.now().UTC()
	if now.Unix() < 0 {
		return now, 0
	}
	return now, uint64(now.Unix())
}

func (s *RebalancerService) publish(ctx context.Context, e events.Event) {
	if err := s.sink.Publish(ctx, e); err != nil {
		s.logger(ctx).WithError(err).WithField("event_type", string(e.Type)).Warn("Failed to publish event")
	}
}

func (s *RebalancerService) logger(ctx context.Context) *logging.Logger {
	return logging.FromContext(ctx).WithComponent("rebalancer")
}

func loadState(ctx context.Context, tx storage.Tx) (*models.ContractState, error) {
	state, err := tx.State(ctx)
	if err != nil {
		return nil, err
	}
	if !state.Initialized {
		return nil, apperrors.NewNotInitializedError()
	}
	return state, nil
}

func normalizeTargets(in map[types.AssetID]uint32) (map[types.AssetID]uint32, error) {
	out := make(map[types.AssetID]uint32, len(in))
	for asset, pct := range in {
		id := types.NormalizeAsset(string(asset))
		if id == "" {
			return nil, apperrors.NewInvalidParameterError("targetAllocations", "empty asset id")
		}
		if _, dup := out[id]; dup {
			return nil, apperrors.NewInvalidParameterError("targetAllocations", fmt.Sprintf("duplicate asset %s", id))
		}
		out[id] = pct
	}
	return out, nil
}

func normalizeBalances(in map[types.AssetID]*big.Int) (map[types.AssetID]*big.Int, error) {
	out := make(map[types.AssetID]*big.Int, len(in))
	for asset, amount := range in {
		id := types.NormalizeAsset(string(asset))
		if id == "" {
			return nil, apperrors.NewInvalidParameterError("proposedBalances", "empty asset id")
		}
		if _, dup := out[id]; dup {
			return nil, apperrors.NewInvalidParameterError("proposedBalances", fmt.Sprintf("duplicate asset %s", id))
		}
		if amount == nil {
			amount = new(big.Int)
		}
		out[id] = amount
	}
	return out, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}
