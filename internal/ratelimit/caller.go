package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"

	"github.com/portfolio-rebalancer/internal/logging"
)

// Default caller configuration values.
const (
	DefaultMaxWait = 5 * time.Second
	// DefaultCallCost is the unit cost of one eth_call.
	DefaultCallCost = 26
)

// ErrMaxWaitExceeded is returned when the budget stays exhausted past MaxWait.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rpc budget")

// ContractCaller is the read-only contract call surface being metered.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// BudgetedCaller draws from a Budget before every contract call. The pool
// is picked from the call context, see WithPriority.
type BudgetedCaller struct {
	underlying ContractCaller
	budget     *Budget
	cost       int
	maxWait    time.Duration
	logger     *logging.Logger
}

// BudgetedCallerConfig holds configuration for the caller.
type BudgetedCallerConfig struct {
	// Caller is the wrapped caller. Required.
	Caller ContractCaller

	// Budget is the shared budget. Required.
	Budget *Budget

	// Cost is the units consumed per call. Default: 26.
	Cost int

	// MaxWait bounds how long a call waits for budget. Default: 5s.
	MaxWait time.Duration

	Logger *logging.Logger
}

// Validate checks if the configuration is valid.
func (c *BudgetedCallerConfig) Validate() error {
	if c.Caller == nil {
		return errors.New("underlying caller is required")
	}
	if c.Budget == nil {
		return errors.New("budget is required")
	}
	if c.Cost < 0 {
		return errors.New("cost cannot be negative")
	}
	return nil
}

// NewBudgetedCaller wraps cfg.Caller with budget enforcement.
func NewBudgetedCaller(cfg *BudgetedCallerConfig) (*BudgetedCaller, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &BudgetedCaller{
		underlying: cfg.Caller,
		budget:     cfg.Budget,
		cost:       cfg.Cost,
		maxWait:    cfg.MaxWait,
		logger:     cfg.Logger,
	}
	if c.cost == 0 {
		c.cost = DefaultCallCost
	}
	if c.maxWait == 0 {
		c.maxWait = DefaultMaxWait
	}
	if c.logger == nil {
		c.logger = logging.GetGlobalLogger()
	}
	c.logger = c.logger.WithComponent("rpc_budget")
	return c, nil
}

// CallContract waits for budget, then forwards the call.
func (c *BudgetedCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.waitForBudget(ctx, PriorityFrom(ctx)); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.underlying.CallContract(ctx, msg, blockNumber)
}

func (c *BudgetedCaller) waitForBudget(ctx context.Context, priority Priority) error {
	start := time.Now()
	deadline := start.Add(c.maxWait)
	log := c.logger.WithFields(map[string]interface{}{
		"priority": priority.String(),
		"units":    c.cost,
	})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, wait, err := c.budget.TryConsume(ctx, c.cost, priority)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if time.Now().Add(wait).After(deadline) {
			log.WithField("waited", time.Since(start).String()).Warn("RPC budget exhausted")
			return ErrMaxWaitExceeded
		}

		log.WithField("wait", wait.String()).Debug("Waiting for RPC budget")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
