package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/portfolio-rebalancer/internal/logging"
)

// ContractCaller executes read-only contract calls. *ethclient.Client
// satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dialer connects to an RPC endpoint
type Dialer func(ctx context.Context, url string) (ContractCaller, error)

// DialEthClient dials url with go-ethereum's ethclient
func DialEthClient(ctx context.Context, url string) (ContractCaller, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// CallerPool spreads contract calls over several RPC endpoints.
// Strategy: stick to the current endpoint until it fails, then move to the
// next one that is not cooling down. Reverts are returned as-is since every
// endpoint would answer the same.
type CallerPool struct {
	endpoints []string
	dial      Dialer
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	callers   []ContractCaller
	current   int
	cooldowns map[int]time.Time
}

// NewCallerPool connects to the first endpoint; the others are dialed on
// first use. Empty endpoints are ignored.
func NewCallerPool(ctx context.Context, endpoints []string, cooldown time.Duration, dial Dialer) (*CallerPool, error) {
	var valid []string
	for _, ep := range endpoints {
		if ep = strings.TrimSpace(ep); ep != "" {
			valid = append(valid, ep)
		}
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	if dial == nil {
		dial = DialEthClient
	}

	pool := &CallerPool{
		endpoints: valid,
		dial:      dial,
		cooldown:  cooldown,
		now:       time.Now,
		callers:   make([]ContractCaller, len(valid)),
		cooldowns: make(map[int]time.Time),
	}

	caller, err := dial(ctx, valid[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	pool.callers[0] = caller

	logging.FromContext(ctx).WithComponent("rpc_pool").
		WithField("endpoints", len(valid)).
		Info("RPC pool initialized")

	return pool, nil
}

// CallContract implements ContractCaller with failover
func (p *CallerPool) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < len(p.endpoints); attempt++ {
		idx, caller, err := p.active(ctx)
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return nil, err
		}

		out, err := caller.CallContract(ctx, call, blockNumber)
		if err == nil || IsRevertError(err) || ctx.Err() != nil {
			return out, err
		}

		lastErr = err
		p.markFailed(ctx, idx, err)
	}
	return nil, fmt.Errorf("all %d RPC endpoints failed: %w", len(p.endpoints), lastErr)
}

// CurrentIndex returns the index of the endpoint in use
func (p *CallerPool) CurrentIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// active returns the first usable endpoint starting at the current one
func (p *CallerPool) active(ctx context.Context) (int, ContractCaller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(p.endpoints); i++ {
		idx := (p.current + i) % len(p.endpoints)
		if since, ok := p.cooldowns[idx]; ok {
			if p.now().Sub(since) < p.cooldown {
				continue
			}
			delete(p.cooldowns, idx)
		}
		if p.callers[idx] == nil {
			caller, err := p.dial(ctx, p.endpoints[idx])
			if err != nil {
				p.cooldowns[idx] = p.now()
				continue
			}
			p.callers[idx] = caller
		}
		p.current = idx
		return idx, p.callers[idx], nil
	}
	return 0, nil, fmt.Errorf("all %d RPC endpoints are cooling down", len(p.endpoints))
}

func (p *CallerPool) markFailed(ctx context.Context, idx int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// a lone endpoint is never benched; the circuit breaker above handles it
	if len(p.endpoints) == 1 {
		return
	}
	p.cooldowns[idx] = p.now()
	if p.current == idx {
		p.current = (idx + 1) % len(p.endpoints)
	}

	logging.FromContext(ctx).WithComponent("rpc_pool").WithError(err).WithFields(map[string]interface{}{
		"endpoint": idx,
		"next":     p.current,
	}).Warn("RPC endpoint failed, switching")
}

// IsRevertError reports whether err is a contract revert rather than a
// transport failure
func IsRevertError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
