package oracle

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/portfolio-rebalancer/internal/circuitbreaker"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/retry"
	"github.com/portfolio-rebalancer/internal/types"
)

// reflectorABIJSON is the read-only surface of the reflector price feed
const reflectorABIJSON = `[
	{"type":"function","name":"lastprice","stateMutability":"view",
	 "inputs":[{"name":"asset","type":"address"}],
	 "outputs":[{"name":"ok","type":"bool"},{"name":"price","type":"int256"},{"name":"timestamp","type":"uint64"}]},
	{"type":"function","name":"decimals","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"uint32"}]},
	{"type":"function","name":"assets","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"address[]"}]}
]`

var reflectorABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(reflectorABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid reflector ABI: %v", err))
	}
	return parsed
}()

// ReflectorOptions tunes a ReflectorClient. Zero values pick defaults.
type ReflectorOptions struct {
	CallTimeout time.Duration
	Breaker     *circuitbreaker.CircuitBreaker
	Retry       *retry.RetryConfig
}

// ReflectorClient reads quotes from a reflector price feed contract.
// Prices are rescaled from the feed's decimals to types.PriceDecimals.
type ReflectorClient struct {
	address common.Address
	caller  ContractCaller
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	retry   *retry.RetryConfig

	mu       sync.Mutex
	decimals *uint32
}

// NewReflectorClient creates a client for the feed at address
func NewReflectorClient(address common.Address, caller ContractCaller, opts ReflectorOptions) *ReflectorClient {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Breaker == nil {
		opts.Breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("reflector:" + address.Hex()))
	}
	if opts.Retry == nil {
		opts.Retry = retry.DefaultRetryConfig()
	}
	if opts.Retry.Retryable == nil {
		cfg := *opts.Retry
		cfg.Retryable = func(err error) bool {
			return !IsRevertError(err) && !stderrors.Is(err, circuitbreaker.ErrCircuitOpen)
		}
		opts.Retry = &cfg
	}

	return &ReflectorClient{
		address: address,
		caller:  caller,
		timeout: opts.CallTimeout,
		breaker: opts.Breaker,
		retry:   opts.Retry,
	}
}

// Address returns the feed contract address
func (r *ReflectorClient) Address() common.Address {
	return r.address
}

// LastPrice implements PriceOracle. Assets that are not contract addresses
// are never quoted by a reflector feed.
func (r *ReflectorClient) LastPrice(ctx context.Context, asset types.AssetID) (*types.PriceQuote, error) {
	if !common.IsHexAddress(string(asset)) {
		return nil, nil
	}

	out, err := r.call(ctx, "lastprice", common.HexToAddress(string(asset)))
	if err != nil {
		return nil, err
	}
	if len(out) != 3 {
		return nil, apperrors.NewProviderError("reflector", fmt.Errorf("lastprice returned %d values", len(out)))
	}

	ok, _ := out[0].(bool)
	if !ok {
		return nil, nil
	}
	price, _ := out[1].(*big.Int)
	ts, _ := out[2].(uint64)
	if price == nil {
		return nil, apperrors.NewProviderError("reflector", fmt.Errorf("lastprice returned no price"))
	}

	decimals, err := r.Decimals(ctx)
	if err != nil {
		return nil, err
	}

	return &types.PriceQuote{
		Asset:     asset,
		Price:     rescale(price, decimals),
		Timestamp: ts,
	}, nil
}

// Decimals returns the feed's price decimals. A successful read is cached;
// a failed one is retried on the next call. The lock is not held across the
// RPC, so concurrent first callers may each fetch.
func (r *ReflectorClient) Decimals(ctx context.Context) (uint32, error) {
	r.mu.Lock()
	cached := r.decimals
	r.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	out, err := r.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, apperrors.NewProviderError("reflector", fmt.Errorf("decimals returned %d values", len(out)))
	}
	d, ok := out[0].(uint32)
	if !ok {
		return 0, apperrors.NewProviderError("reflector", fmt.Errorf("decimals returned %T", out[0]))
	}

	r.mu.Lock()
	if r.decimals == nil {
		r.decimals = &d
	}
	d = *r.decimals
	r.mu.Unlock()
	return d, nil
}

// Assets lists the assets the feed quotes
func (r *ReflectorClient) Assets(ctx context.Context) ([]types.AssetID, error) {
	out, err := r.call(ctx, "assets")
	if err != nil {
		return nil, err
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, apperrors.NewProviderError("reflector", fmt.Errorf("assets returned %T", out[0]))
	}

	assets := make([]types.AssetID, len(addrs))
	for i, a := range addrs {
		assets[i] = types.NormalizeAsset(a.Hex())
	}
	return assets, nil
}

func (r *ReflectorClient) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	input, err := reflectorABI.Pack(method, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode "+method, err)
	}

	var raw []byte
	err = r.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, r.retry, func(ctx context.Context, attempt int) error {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			res, err := r.caller.CallContract(callCtx, ethereum.CallMsg{To: &r.address, Data: input}, nil)
			if err != nil {
				return err
			}
			raw = res
			return nil
		})
	})
	if err != nil {
		logging.FromContext(ctx).WithComponent("reflector").WithError(err).WithFields(map[string]interface{}{
			"method":  method,
			"address": r.address.Hex(),
		}).Warn("Reflector call failed")
		return nil, apperrors.NewProviderError("reflector", err)
	}

	out, err := reflectorABI.Unpack(method, raw)
	if err != nil {
		return nil, apperrors.NewProviderError("reflector", fmt.Errorf("decode %s: %w", method, err))
	}
	if len(out) == 0 {
		return nil, apperrors.NewProviderError("reflector", fmt.Errorf("%s returned no values", method))
	}
	return out, nil
}

// rescale converts a price with the given decimals to types.PriceDecimals,
// truncating toward zero when precision is dropped
func rescale(price *big.Int, decimals uint32) *big.Int {
	switch {
	case decimals == types.PriceDecimals:
		return new(big.Int).Set(price)
	case decimals > types.PriceDecimals:
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-types.PriceDecimals)), nil)
		return new(big.Int).Quo(price, div)
	default:
		mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(types.PriceDecimals-decimals)), nil)
		return new(big.Int).Mul(price, mul)
	}
}

// ReflectorResolver binds oracle addresses to reflector clients sharing one
// caller. Clients are reused per address.
type ReflectorResolver struct {
	caller ContractCaller
	opts   ReflectorOptions

	mu      sync.Mutex
	clients map[common.Address]*ReflectorClient
}

// NewReflectorResolver creates a resolver over caller
func NewReflectorResolver(caller ContractCaller, opts ReflectorOptions) *ReflectorResolver {
	return &ReflectorResolver{
		caller:  caller,
		opts:    opts,
		clients: make(map[common.Address]*ReflectorClient),
	}
}

// Resolve implements Resolver
func (r *ReflectorResolver) Resolve(_ context.Context, address string) (PriceOracle, error) {
	c, err := r.Client(address)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Client returns the reflector client for address
func (r *ReflectorResolver) Client(address string) (*ReflectorClient, error) {
	if !common.IsHexAddress(address) {
		return nil, apperrors.NewInvalidParameterError("oracle", "not a contract address")
	}
	addr := common.HexToAddress(address)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[addr]; ok {
		return c, nil
	}
	c := NewReflectorClient(addr, r.caller, r.opts)
	r.clients[addr] = c
	return c, nil
}
