package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache remembers accepted signed messages. Claim returns false when
// key was already claimed within ttl.
type ReplayCache interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisReplayCache shares claims between API processes
type RedisReplayCache struct {
	client redis.Cmdable
	prefix string
}

// NewRedisReplayCache stores claims under prefix:sig:<key>
func NewRedisReplayCache(client redis.Cmdable, prefix string) *RedisReplayCache {
	return &RedisReplayCache{client: client, prefix: prefix}
}

// Claim implements ReplayCache
func (c *RedisReplayCache) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.prefix+":sig:"+key, 1, ttl).Result()
}

const sweepEvery = 256

// MemoryReplayCache keeps claims in process memory
type MemoryReplayCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	inserts int
	now     func() time.Time
}

// NewMemoryReplayCache creates an empty cache
func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{seen: make(map[string]time.Time), now: time.Now}
}

// Claim implements ReplayCache
func (c *MemoryReplayCache) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.seen[key] = now.Add(ttl)

	c.inserts++
	if c.inserts >= sweepEvery {
		c.inserts = 0
		for k, exp := range c.seen {
			if !now.Before(exp) {
				delete(c.seen, k)
			}
		}
	}
	return true, nil
}
