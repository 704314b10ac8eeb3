package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/models"
)

const (
	versionField       = "version"
	defaultTxRetries   = 32
	defaultRedisPrefix = "rebalancer"
)

// ErrConflict is returned when a unit kept losing optimistic races
var ErrConflict = errors.New("too many concurrent writers")

// RedisStore keeps contract state in one hash and each portfolio as a JSON
// string. Read-write units WATCH the state hash and bump its version on
// commit, so any two overlapping units conflict and the loser is re-run.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

// NewRedisStore creates a store using keys under prefix
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, maxRetries: defaultTxRetries}
}

func (s *RedisStore) stateKey() string {
	return s.prefix + ":state"
}

func (s *RedisStore) key(k Key) string {
	return s.prefix + ":" + k.String()
}

// Atomic implements Store
func (s *RedisStore) Atomic(ctx context.Context, fn TxFunc) error {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		var fnErr error
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{store: s, reader: rtx, staged: make(map[Key]*models.Portfolio)}
			if fnErr = fn(ctx, tx); fnErr != nil {
				return fnErr
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return tx.flush(ctx, pipe)
			})
			return err
		}, s.stateKey())

		switch {
		case fnErr != nil:
			return fnErr
		case errors.Is(err, redis.TxFailedErr):
			logging.FromContext(ctx).WithComponent("redis_store").
				WithField("attempt", attempt).
				Debug("Optimistic transaction conflict, retrying")
			continue
		case err != nil:
			return apperrors.NewDatabaseError("commit", err)
		default:
			return nil
		}
	}
	return apperrors.NewDatabaseError("commit", ErrConflict)
}

// View implements Store
func (s *RedisStore) View(ctx context.Context, fn TxFunc) error {
	return fn(ctx, &redisTx{store: s, reader: s.client, readOnly: true})
}

// Ping implements Store
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisTx struct {
	store    *RedisStore
	reader   redis.Cmdable
	readOnly bool
	state    *models.ContractState
	staged   map[Key]*models.Portfolio
}

func (t *redisTx) State(ctx context.Context) (*models.ContractState, error) {
	if t.state != nil {
		return t.state.Clone(), nil
	}

	fields, err := t.reader.HGetAll(ctx, t.store.stateKey()).Result()
	if err != nil {
		return nil, apperrors.NewDatabaseError("load contract state", err)
	}
	state, err := decodeState(fields)
	if err != nil {
		return nil, apperrors.NewDatabaseError("decode contract state", err)
	}
	return state, nil
}

func (t *redisTx) SaveState(_ context.Context, state *models.ContractState) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.state = state.Clone()
	return nil
}

func (t *redisTx) GetPortfolio(ctx context.Context, id uint64) (*models.Portfolio, error) {
	key := KeyPortfolio(id)
	if p, ok := t.staged[key]; ok {
		return p.Clone(), nil
	}

	data, err := t.reader.Get(ctx, t.store.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NewPortfolioNotFoundError(id)
		}
		return nil, apperrors.NewDatabaseError("get portfolio", err)
	}
	p, err := decodePortfolio(data)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get portfolio", err)
	}
	return p, nil
}

func (t *redisTx) SavePortfolio(_ context.Context, p *models.Portfolio) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.staged[KeyPortfolio(p.ID)] = p.Clone()
	return nil
}

// flush queues the staged writes and the version bump on pipe
func (t *redisTx) flush(ctx context.Context, pipe redis.Pipeliner) error {
	if t.state != nil {
		pipe.HSet(ctx, t.store.stateKey(), encodeState(t.state))
	}
	for key, p := range t.staged {
		data, err := encodePortfolio(p)
		if err != nil {
			return fmt.Errorf("failed to encode portfolio %d: %w", p.ID, err)
		}
		pipe.Set(ctx, t.store.key(key), data, 0)
	}
	pipe.HIncrBy(ctx, t.store.stateKey(), versionField, 1)
	return nil
}

func encodeState(s *models.ContractState) map[string]interface{} {
	return map[string]interface{}{
		KeyAdmin().String():           s.Admin,
		KeyOracle().String():          s.OracleAddress,
		KeyEmergencyStop().String():   strconv.FormatBool(s.EmergencyStop),
		KeyInitialized().String():     strconv.FormatBool(s.Initialized),
		KeyNextPortfolioID().String(): strconv.FormatUint(s.NextPortfolioID, 10),
	}
}

func decodeState(fields map[string]string) (*models.ContractState, error) {
	state := newState()
	for _, k := range stateKeys {
		v, ok := fields[k.String()]
		if !ok {
			continue
		}
		var err error
		switch k.Kind {
		case KindAdmin:
			state.Admin = v
		case KindOracle:
			state.OracleAddress = v
		case KindEmergencyStop:
			state.EmergencyStop, err = strconv.ParseBool(v)
		case KindInitialized:
			state.Initialized, err = strconv.ParseBool(v)
		case KindNextPortfolioID:
			state.NextPortfolioID, err = strconv.ParseUint(v, 10, 64)
		}
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
	}
	return state, nil
}
