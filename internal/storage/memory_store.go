package storage

import (
	"context"
	"sync"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
)

// MemoryStore keeps everything in process memory. Units of work are
// serialized by one lock and stage their writes until commit.
type MemoryStore struct {
	mu         sync.RWMutex
	state      *models.ContractState
	portfolios map[uint64]*models.Portfolio
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state:      newState(),
		portfolios: make(map[uint64]*models.Portfolio),
	}
}

// Atomic implements Store
func (s *MemoryStore) Atomic(ctx context.Context, fn TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, staged: make(map[Key]*models.Portfolio)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	if tx.state != nil {
		s.state = tx.state
	}
	for key, p := range tx.staged {
		s.portfolios[key.PortfolioID] = p
	}
	return nil
}

// View implements Store
func (s *MemoryStore) View(ctx context.Context, fn TxFunc) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(ctx, &memoryTx{store: s, readOnly: true})
}

// Ping implements Store
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store
func (s *MemoryStore) Close() error { return nil }

type memoryTx struct {
	store    *MemoryStore
	readOnly bool
	state    *models.ContractState
	staged   map[Key]*models.Portfolio
}

func (t *memoryTx) State(context.Context) (*models.ContractState, error) {
	if t.state != nil {
		return t.state.Clone(), nil
	}
	return t.store.state.Clone(), nil
}

func (t *memoryTx) SaveState(_ context.Context, state *models.ContractState) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.state = state.Clone()
	return nil
}

func (t *memoryTx) GetPortfolio(_ context.Context, id uint64) (*models.Portfolio, error) {
	if p, ok := t.staged[KeyPortfolio(id)]; ok {
		return p.Clone(), nil
	}
	p, ok := t.store.portfolios[id]
	if !ok {
		return nil, apperrors.NewPortfolioNotFoundError(id)
	}
	return p.Clone(), nil
}

func (t *memoryTx) SavePortfolio(_ context.Context, p *models.Portfolio) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.staged[KeyPortfolio(p.ID)] = p.Clone()
	return nil
}
