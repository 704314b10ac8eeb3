// Package storage persists contract state and portfolios.
//
// All reads and writes happen inside a unit of work opened with
// Store.Atomic or Store.View. A unit's writes become visible only when its
// function returns nil; any error discards them.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/portfolio-rebalancer/internal/models"
)

// KeyKind discriminates the persisted records
type KeyKind int

const (
	KindAdmin KeyKind = iota
	KindOracle
	KindEmergencyStop
	KindInitialized
	KindPortfolio
	KindNextPortfolioID
)

// Key names one persisted record. PortfolioID is only meaningful for
// KindPortfolio.
type Key struct {
	Kind        KeyKind
	PortfolioID uint64
}

func KeyAdmin() Key           { return Key{Kind: KindAdmin} }
func KeyOracle() Key          { return Key{Kind: KindOracle} }
func KeyEmergencyStop() Key   { return Key{Kind: KindEmergencyStop} }
func KeyInitialized() Key     { return Key{Kind: KindInitialized} }
func KeyNextPortfolioID() Key { return Key{Kind: KindNextPortfolioID} }

// KeyPortfolio names the portfolio with the given id
func KeyPortfolio(id uint64) Key { return Key{Kind: KindPortfolio, PortfolioID: id} }

// String renders the key as used in Redis keys and hash fields
func (k Key) String() string {
	switch k.Kind {
	case KindAdmin:
		return "admin"
	case KindOracle:
		return "oracle"
	case KindEmergencyStop:
		return "emergency_stop"
	case KindInitialized:
		return "initialized"
	case KindPortfolio:
		return fmt.Sprintf("portfolio:%d", k.PortfolioID)
	case KindNextPortfolioID:
		return "next_portfolio_id"
	default:
		return fmt.Sprintf("unknown:%d", int(k.Kind))
	}
}

// stateKeys are the fields of the contract state record
var stateKeys = []Key{KeyAdmin(), KeyOracle(), KeyEmergencyStop(), KeyInitialized(), KeyNextPortfolioID()}

// Tx is the view of the store inside one unit of work
type Tx interface {
	// State returns a copy of the contract state. A fresh store returns an
	// uninitialized state with NextPortfolioID 1.
	State(ctx context.Context) (*models.ContractState, error)
	SaveState(ctx context.Context, state *models.ContractState) error
	// GetPortfolio returns a copy of the portfolio or PORTFOLIO_NOT_FOUND
	GetPortfolio(ctx context.Context, id uint64) (*models.Portfolio, error)
	SavePortfolio(ctx context.Context, p *models.Portfolio) error
}

// TxFunc is the body of a unit of work
type TxFunc func(ctx context.Context, tx Tx) error

// Store runs units of work against a backend
type Store interface {
	// Atomic runs fn as a serializable read-write unit
	Atomic(ctx context.Context, fn TxFunc) error
	// View runs fn as a read-only unit; writes inside it are rejected
	View(ctx context.Context, fn TxFunc) error
	Ping(ctx context.Context) error
	Close() error
}

// ErrReadOnly is returned by writes attempted inside View
var ErrReadOnly = errors.New("write attempted in read-only unit")

func newState() *models.ContractState {
	return &models.ContractState{NextPortfolioID: 1}
}
