// Package ratelimit shares an oracle RPC compute budget between every
// rebalancer process through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 500         // units per window
	DefaultReservedBudget = 300         // reserved for request-path calls
	DefaultWindowSize     = time.Second // fixed window length
	DefaultKeyPrefix      = "rpcbudget"
)

// Priority selects the budget pool a call draws from.
type Priority int

const (
	// PriorityHigh is for calls made on behalf of an API request (reserved pool).
	PriorityHigh Priority = iota
	// PriorityLow is for background scans (shared pool).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

type priorityKey struct{}

// WithPriority marks every RPC call made under ctx with p.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom returns the priority stored in ctx, PriorityHigh if none.
func PriorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityHigh
}

// consumeScript checks the total and pool counters and increments both in
// one step so concurrent processes never overshoot the window.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local units = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + units > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + units > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, units)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, units)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + units, poolUsed + units}
`)

// Budget coordinates RPC unit consumption across processes using Redis.
// Each window has a reserved pool for PriorityHigh calls and a shared pool
// (total minus reserved) for PriorityLow calls.
type Budget struct {
	redis          redis.Cmdable
	prefix         string
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	now            func() time.Time
}

// BudgetConfig holds configuration for the budget.
type BudgetConfig struct {
	// Redis is required.
	Redis redis.Cmdable

	// KeyPrefix namespaces the counters. Default: "rpcbudget".
	KeyPrefix string

	// TotalBudget is the number of units per window. Default: 500.
	TotalBudget int

	// ReservedBudget is the part of TotalBudget only PriorityHigh may use. Default: 300.
	ReservedBudget int

	// WindowSize is the window length. Default: 1s.
	WindowSize time.Duration

	// Now overrides the clock used to pick the window.
	Now func() time.Time
}

// Usage contains the consumption of the current window.
type Usage struct {
	TotalUsed      int       `json:"totalUsed"`
	ReservedUsed   int       `json:"reservedUsed"`
	SharedUsed     int       `json:"sharedUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"reservedBudget"`
	SharedBudget   int       `json:"sharedBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

// Validate checks if the configuration is valid.
func (c *BudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}
	if c.WindowSize < 0 {
		return errors.New("window size cannot be negative")
	}

	total, reserved := c.budgets()
	if reserved > total {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reserved, total)
	}
	return nil
}

func (c *BudgetConfig) budgets() (total, reserved int) {
	total, reserved = c.TotalBudget, c.ReservedBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	if reserved == 0 {
		reserved = DefaultReservedBudget
		if reserved > total {
			reserved = total
		}
	}
	return total, reserved
}

// NewBudget creates a budget from cfg.
func NewBudget(cfg *BudgetConfig) (*Budget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	total, reserved := cfg.budgets()
	b := &Budget{
		redis:          cfg.Redis,
		prefix:         cfg.KeyPrefix,
		totalBudget:    total,
		reservedBudget: reserved,
		sharedBudget:   total - reserved,
		windowSize:     cfg.WindowSize,
		now:            cfg.Now,
	}
	if b.prefix == "" {
		b.prefix = DefaultKeyPrefix
	}
	if b.windowSize == 0 {
		b.windowSize = DefaultWindowSize
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

func (b *Budget) windowStart() time.Time {
	return b.now().Truncate(b.windowSize)
}

func (b *Budget) keys(window time.Time) (total, reserved, shared string) {
	ts := strconv.FormatInt(window.UnixMilli(), 10)
	return b.prefix + ":total:" + ts, b.prefix + ":reserved:" + ts, b.prefix + ":shared:" + ts
}

// TryConsume takes units from the pool of priority. When the pool or the
// total is exhausted it returns false and the time left in the window.
func (b *Budget) TryConsume(ctx context.Context, units int, priority Priority) (bool, time.Duration, error) {
	if units <= 0 {
		return true, 0, nil
	}

	window := b.windowStart()
	totalKey, reservedKey, sharedKey := b.keys(window)

	poolKey, poolBudget := reservedKey, b.reservedBudget
	if priority != PriorityHigh {
		poolKey, poolBudget = sharedKey, b.sharedBudget
	}

	ttl := int((2 * b.windowSize).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	result, err := consumeScript.Run(ctx, b.redis, []string{totalKey, poolKey},
		units, b.totalBudget, poolBudget, ttl).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rpc budget: %w", err)
	}
	if result[0] == 1 {
		return true, 0, nil
	}
	return false, b.untilNextWindow(window), nil
}

func (b *Budget) untilNextWindow(window time.Time) time.Duration {
	wait := window.Add(b.windowSize).Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Usage returns the consumption of the current window.
func (b *Budget) Usage(ctx context.Context) (*Usage, error) {
	window := b.windowStart()
	totalKey, reservedKey, sharedKey := b.keys(window)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("rpc budget usage: %w", err)
	}

	return &Usage{
		TotalUsed:      intOrZero(totalCmd),
		ReservedUsed:   intOrZero(reservedCmd),
		SharedUsed:     intOrZero(sharedCmd),
		TotalBudget:    b.totalBudget,
		ReservedBudget: b.reservedBudget,
		SharedBudget:   b.sharedBudget,
		WindowStart:    window,
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}

// Available returns the units priority can still take in this window.
func (b *Budget) Available(ctx context.Context, priority Priority) (int, error) {
	u, err := b.Usage(ctx)
	if err != nil {
		return 0, err
	}

	totalLeft := u.TotalBudget - u.TotalUsed
	poolLeft := u.SharedBudget - u.SharedUsed
	if priority == PriorityHigh {
		poolLeft = u.ReservedBudget - u.ReservedUsed
	}
	return max(0, min(totalLeft, poolLeft)), nil
}

// WindowSize returns the configured window length.
func (b *Budget) WindowSize() time.Duration {
	return b.windowSize
}
