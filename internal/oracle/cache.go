package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/types"
)

// CachedOracle keeps recent quotes in Redis so that several API replicas and
// the drift monitor share one RPC round trip per asset and TTL window.
// Misses are not cached. Redis failures fall through to the inner oracle.
type CachedOracle struct {
	inner     PriceOracle
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

type cachedQuote struct {
	Price     string `json:"price"`
	Timestamp uint64 `json:"timestamp"`
}

// NewCachedOracle wraps inner. namespace separates oracles that share a
// Redis database; it is normally the oracle contract address.
func NewCachedOracle(inner PriceOracle, client *redis.Client, namespace string, ttl time.Duration) *CachedOracle {
	return &CachedOracle{
		inner:     inner,
		client:    client,
		namespace: namespace,
		ttl:       ttl,
	}
}

func (c *CachedOracle) key(asset types.AssetID) string {
	return fmt.Sprintf("oracle:%s:price:%s", c.namespace, asset)
}

// LastPrice implements PriceOracle
func (c *CachedOracle) LastPrice(ctx context.Context, asset types.AssetID) (*types.PriceQuote, error) {
	logger := logging.FromContext(ctx).WithComponent("oracle_cache")
	key := c.key(asset)

	raw, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		q, decodeErr := decodeQuote(asset, raw)
		if decodeErr == nil {
			return q, nil
		}
		logger.WithError(decodeErr).WithField("key", key).Warn("Discarding corrupt cached quote")
	case err != redis.Nil:
		logger.WithError(err).WithField("key", key).Warn("Quote cache read failed")
	}

	q, err := c.inner.LastPrice(ctx, asset)
	if err != nil || q == nil {
		return q, err
	}

	data, err := json.Marshal(cachedQuote{Price: q.Price.String(), Timestamp: q.Timestamp})
	if err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			logger.WithError(err).WithField("key", key).Warn("Quote cache write failed")
		}
	}
	return q, nil
}

// Invalidate removes the cached quote for asset
func (c *CachedOracle) Invalidate(ctx context.Context, asset types.AssetID) error {
	return c.client.Del(ctx, c.key(asset)).Err()
}

func decodeQuote(asset types.AssetID, raw string) (*types.PriceQuote, error) {
	var cq cachedQuote
	if err := json.Unmarshal([]byte(raw), &cq); err != nil {
		return nil, err
	}
	price, ok := new(big.Int).SetString(cq.Price, 10)
	if !ok {
		return nil, fmt.Errorf("invalid cached price %q", cq.Price)
	}
	return &types.PriceQuote{Asset: asset, Price: price, Timestamp: cq.Timestamp}, nil
}

// CachingResolver wraps every oracle resolved by inner in a CachedOracle
// namespaced by the oracle address
type CachingResolver struct {
	inner  Resolver
	client *redis.Client
	ttl    time.Duration
}

// NewCachingResolver creates a CachingResolver
func NewCachingResolver(inner Resolver, client *redis.Client, ttl time.Duration) *CachingResolver {
	return &CachingResolver{inner: inner, client: client, ttl: ttl}
}

// Resolve implements Resolver
func (r *CachingResolver) Resolve(ctx context.Context, address string) (PriceOracle, error) {
	o, err := r.inner.Resolve(ctx, address)
	if err != nil {
		return nil, err
	}
	return NewCachedOracle(o, r.client, address, r.ttl), nil
}
