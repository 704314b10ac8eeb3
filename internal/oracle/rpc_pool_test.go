package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedCaller struct {
	name  string
	err   error
	calls int
}

func (s *scriptedCaller) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.name), nil
}

func scriptedDialer(callers map[string]*scriptedCaller) Dialer {
	return func(_ context.Context, url string) (ContractCaller, error) {
		c, ok := callers[url]
		if !ok {
			return nil, errors.New("dial failed")
		}
		return c, nil
	}
}

func TestCallerPool_FailsOver(t *testing.T) {
	primary := &scriptedCaller{name: "primary", err: errors.New("429 too many requests")}
	secondary := &scriptedCaller{name: "secondary"}
	pool, err := NewCallerPool(context.Background(), []string{"a", " b ", ""}, time.Minute,
		scriptedDialer(map[string]*scriptedCaller{"a": primary, "b": secondary}))
	require.NoError(t, err)

	out, err := pool.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "secondary", string(out))
	assert.Equal(t, 1, pool.CurrentIndex())

	// the primary stays benched while cooling down
	out, err = pool.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "secondary", string(out))
	assert.Equal(t, 1, primary.calls)
}

func TestCallerPool_CooldownExpires(t *testing.T) {
	primary := &scriptedCaller{name: "primary", err: errors.New("timeout")}
	secondary := &scriptedCaller{name: "secondary", err: errors.New("timeout")}
	pool, err := NewCallerPool(context.Background(), []string{"a", "b"}, time.Minute,
		scriptedDialer(map[string]*scriptedCaller{"a": primary, "b": secondary}))
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	pool.now = func() time.Time { return now }

	_, err = pool.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	require.Error(t, err)

	_, err = pool.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	assert.ErrorContains(t, err, "cooling down")

	primary.err = nil
	now = now.Add(2 * time.Minute)
	out, err := pool.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "primary", string(out))
}

func TestCallerPool_RevertDoesNotFailOver(t *testing.T) {
	primary := &scriptedCaller{name: "primary", err: errors.New("execution reverted: unknown asset")}
	secondary := &scriptedCaller{name: "secondary"}
	pool, err := NewCallerPool(context.Background(), []string{"a", "b"}, time.Minute,
		scriptedDialer(map[string]*scriptedCaller{"a": primary, "b": secondary}))
	require.NoError(t, err)

	_, err = pool.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	require.Error(t, err)
	assert.True(t, IsRevertError(err))
	assert.Equal(t, 0, pool.CurrentIndex())
	assert.Equal(t, 0, secondary.calls)
}

func TestCallerPool_SingleEndpointNeverBenched(t *testing.T) {
	only := &scriptedCaller{name: "only", err: errors.New("timeout")}
	pool, err := NewCallerPool(context.Background(), []string{"a"}, time.Minute,
		scriptedDialer(map[string]*scriptedCaller{"a": only}))
	require.NoError(t, err)

	_, err = pool.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	require.Error(t, err)

	only.err = nil
	out, err := pool.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "only", string(out))
}

func TestNewCallerPool_Errors(t *testing.T) {
	_, err := NewCallerPool(context.Background(), []string{" ", ""}, 0, nil)
	assert.Error(t, err)

	_, err = NewCallerPool(context.Background(), []string{"missing"}, 0, scriptedDialer(nil))
	assert.Error(t, err)
}
