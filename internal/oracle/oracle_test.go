package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-rebalancer/internal/types"
)

func TestParseStaticPrices(t *testing.T) {
	o, err := ParseStaticPrices("XLM=0.12@1700000000, usdc=1@1700000100")
	require.NoError(t, err)

	q, err := o.LastPrice(context.Background(), "xlm")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, "12000000000000", q.Price.String())
	assert.Equal(t, uint64(1_700_000_000), q.Timestamp)
	assert.Equal(t, "0.12", q.Decimal().String())

	q, err = o.LastPrice(context.Background(), "usdc")
	require.NoError(t, err)
	assert.Equal(t, types.PriceScale().String(), q.Price.String())

	q, err = o.LastPrice(context.Background(), "btc")
	require.NoError(t, err)
	assert.Nil(t, q)
}

func TestParseStaticPrices_Errors(t *testing.T) {
	for _, spec := range []string{
		"xlm",
		"xlm=1",
		"=1@5",
		"xlm=abc@5",
		"xlm=1@yesterday",
	} {
		_, err := ParseStaticPrices(spec)
		assert.Error(t, err, spec)
	}

	o, err := ParseStaticPrices("")
	require.NoError(t, err)
	q, _ := o.LastPrice(context.Background(), "xlm")
	assert.Nil(t, q)
}

func TestStaticOracle_ReturnsCopies(t *testing.T) {
	o := NewStaticOracle()
	o.Set("xlm", big.NewInt(100), 10)

	q, _ := o.LastPrice(context.Background(), "xlm")
	q.Price.SetInt64(1)

	again, _ := o.LastPrice(context.Background(), "xlm")
	assert.Equal(t, int64(100), again.Price.Int64())

	o.Remove("xlm")
	gone, _ := o.LastPrice(context.Background(), "xlm")
	assert.Nil(t, gone)
}

type countingOracle struct {
	inner PriceOracle
	calls int
	err   error
}

func (c *countingOracle) LastPrice(ctx context.Context, asset types.AssetID) (*types.PriceQuote, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.LastPrice(ctx, asset)
}

func TestSnapshot_MemoizesHitsAndMisses(t *testing.T) {
	static := NewStaticOracle()
	static.Set("xlm", big.NewInt(100), 10)
	counter := &countingOracle{inner: static}
	snap := NewSnapshot(counter)
	ctx := context.Background()

	first, err := snap.LastPrice(ctx, "xlm")
	require.NoError(t, err)

	// a later price change is invisible to the snapshot
	static.Set("xlm", big.NewInt(999), 20)
	second, err := snap.LastPrice(ctx, "xlm")
	require.NoError(t, err)
	assert.Equal(t, first.Price.String(), second.Price.String())

	miss, err := snap.LastPrice(ctx, "btc")
	require.NoError(t, err)
	assert.Nil(t, miss)
	_, _ = snap.LastPrice(ctx, "btc")

	assert.Equal(t, 2, counter.calls)
}

func TestSnapshot_DoesNotMemoizeErrors(t *testing.T) {
	counter := &countingOracle{inner: NewStaticOracle(), err: errors.New("rpc down")}
	snap := NewSnapshot(counter)

	_, err := snap.LastPrice(context.Background(), "xlm")
	assert.Error(t, err)
	_, err = snap.LastPrice(context.Background(), "xlm")
	assert.Error(t, err)
	assert.Equal(t, 2, counter.calls)
}

func TestFixedResolver(t *testing.T) {
	static := NewStaticOracle()
	o, err := Fixed(static).Resolve(context.Background(), "anything")
	require.NoError(t, err)
	assert.Same(t, static, o)
}
