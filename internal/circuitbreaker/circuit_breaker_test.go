package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

var errRPC = errors.New("rpc unavailable")

func failing(context.Context) error { return errRPC }

func succeeding(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newWithClock(&Config{Name: "oracle", MaxFailures: 3, FailureThreshold: 0.5, Timeout: time.Minute, HalfOpenMaxCalls: 1}, clock.now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failing), errRPC)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newWithClock(&Config{Name: "oracle", MaxFailures: 2, FailureThreshold: 1, Timeout: time.Minute, HalfOpenMaxCalls: 1}, clock.now)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	require.Equal(t, StateOpen, cb.GetState())

	clock.advance(2 * time.Minute)
	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newWithClock(&Config{Name: "oracle", MaxFailures: 1, FailureThreshold: 1, Timeout: time.Minute, HalfOpenMaxCalls: 1}, clock.now)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	require.Equal(t, StateOpen, cb.GetState())

	clock.advance(2 * time.Minute)
	assert.ErrorIs(t, cb.Execute(ctx, failing), errRPC)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Name: "oracle", MaxFailures: 1, FailureThreshold: 1, Timeout: time.Minute, HalfOpenMaxCalls: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetStats().TotalCalls)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Name: "oracle", MaxFailures: 1, FailureThreshold: 1, Timeout: time.Hour, HalfOpenMaxCalls: 1})
	_ = cb.Execute(context.Background(), failing)
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(context.Background(), succeeding))
}
