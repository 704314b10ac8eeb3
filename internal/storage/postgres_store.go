package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
)

// PostgresStore persists state in the contract_state and portfolios tables.
// Every read-write unit locks the single contract_state row, which
// serializes them.
type PostgresStore struct {
	db *PostgresDB
}

// NewPostgresStore creates a store over db
func NewPostgresStore(db *PostgresDB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Atomic implements Store
func (s *PostgresStore) Atomic(ctx context.Context, fn TxFunc) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, false, fn)
}

// View implements Store
func (s *PostgresStore) View(ctx context.Context, fn TxFunc) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, true, fn)
}

func (s *PostgresStore) run(ctx context.Context, opts pgx.TxOptions, readOnly bool, fn TxFunc) error {
	tx, err := s.db.Pool().BeginTx(ctx, opts)
	if err != nil {
		return apperrors.NewDatabaseError("begin", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	pgTx := &postgresTx{tx: tx, readOnly: readOnly}
	if !readOnly {
		// take the state row lock first so units queue in one place
		if _, err := pgTx.State(ctx); err != nil {
			return err
		}
	}

	if err := fn(ctx, pgTx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewDatabaseError("commit", err)
	}
	return nil
}

// Ping implements Store
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close implements Store
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

type postgresTx struct {
	tx       pgx.Tx
	readOnly bool
}

func (t *postgresTx) State(ctx context.Context) (*models.ContractState, error) {
	query := `
		SELECT initialized, admin, oracle_address, emergency_stop, next_portfolio_id
		FROM contract_state
		WHERE id = 1
	`
	if !t.readOnly {
		query += " FOR UPDATE"
	}

	state := &models.ContractState{}
	var next int64
	err := t.tx.QueryRow(ctx, query).Scan(
		&state.Initialized,
		&state.Admin,
		&state.OracleAddress,
		&state.EmergencyStop,
		&next,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return newState(), nil
		}
		return nil, apperrors.NewDatabaseError("load contract state", err)
	}
	state.NextPortfolioID = uint64(next) // #nosec G115 - column has CHECK (next_portfolio_id > 0)
	return state, nil
}

func (t *postgresTx) SaveState(ctx context.Context, state *models.ContractState) error {
	if t.readOnly {
		return ErrReadOnly
	}

	query := `
		INSERT INTO contract_state (id, initialized, admin, oracle_address, emergency_stop, next_portfolio_id, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			initialized = EXCLUDED.initialized,
			admin = EXCLUDED.admin,
			oracle_address = EXCLUDED.oracle_address,
			emergency_stop = EXCLUDED.emergency_stop,
			next_portfolio_id = EXCLUDED.next_portfolio_id,
			updated_at = EXCLUDED.updated_at
	`

	_, err := t.tx.Exec(ctx, query,
		state.Initialized,
		state.Admin,
		state.OracleAddress,
		state.EmergencyStop,
		int64(state.NextPortfolioID), // #nosec G115 - ids stay far below 2^63
	)
	if err != nil {
		return apperrors.NewDatabaseError("save contract state", err)
	}
	return nil
}

func (t *postgresTx) GetPortfolio(ctx context.Context, id uint64) (*models.Portfolio, error) {
	query := `
		SELECT id, owner, target_allocations, current_balances, rebalance_threshold,
		       slippage_tolerance, last_rebalance, total_value::text, is_active, created_at, updated_at
		FROM portfolios
		WHERE id = $1
	`

	var (
		p                     models.Portfolio
		pid, lastRebalance    int64
		threshold, tolerance  int32
		targetsJSON, balsJSON []byte
		totalValue            string
	)
	err := t.tx.QueryRow(ctx, query, int64(id)).Scan( // #nosec G115
		&pid,
		&p.Owner,
		&targetsJSON,
		&balsJSON,
		&threshold,
		&tolerance,
		&lastRebalance,
		&totalValue,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewPortfolioNotFoundError(id)
		}
		return nil, apperrors.NewDatabaseError("get portfolio", err)
	}

	var targets map[string]uint32
	if err := json.Unmarshal(targetsJSON, &targets); err != nil {
		return nil, apperrors.NewDatabaseError("decode target allocations", err)
	}
	var balances map[string]string
	if err := json.Unmarshal(balsJSON, &balances); err != nil {
		return nil, apperrors.NewDatabaseError("decode balances", err)
	}

	// #nosec G115 - columns carry CHECK constraints against negatives
	p.ID = uint64(pid)
	p.RebalanceThreshold = uint32(threshold)
	p.SlippageTolerance = uint32(tolerance)
	p.LastRebalance = uint64(lastRebalance)
	p.TargetAllocations = decodeTargets(targets)
	if p.CurrentBalances, err = decodeBalances(balances); err != nil {
		return nil, apperrors.NewDatabaseError("decode balances", err)
	}
	if p.TotalValue, err = parseAmount(totalValue); err != nil {
		return nil, apperrors.NewDatabaseError("decode total value", err)
	}
	return &p, nil
}

func (t *postgresTx) SavePortfolio(ctx context.Context, p *models.Portfolio) error {
	if t.readOnly {
		return ErrReadOnly
	}

	targets, err := json.Marshal(encodeTargets(p.TargetAllocations))
	if err != nil {
		return fmt.Errorf("failed to encode target allocations: %w", err)
	}
	balances, err := json.Marshal(encodeBalances(p.CurrentBalances))
	if err != nil {
		return fmt.Errorf("failed to encode balances: %w", err)
	}

	query := `
		INSERT INTO portfolios (id, owner, target_allocations, current_balances, rebalance_threshold,
		                        slippage_tolerance, last_rebalance, total_value, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			current_balances = EXCLUDED.current_balances,
			last_rebalance = EXCLUDED.last_rebalance,
			total_value = EXCLUDED.total_value,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`

	_, err = t.tx.Exec(ctx, query,
		int64(p.ID), // #nosec G115
		p.Owner,
		targets,
		balances,
		int32(p.RebalanceThreshold), // #nosec G115 - bounded by validation
		int32(p.SlippageTolerance),  // #nosec G115 - bounded by validation
		int64(p.LastRebalance),      // #nosec G115
		amountString(p.TotalValue),
		p.IsActive,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseError("save portfolio", err)
	}
	return nil
}
