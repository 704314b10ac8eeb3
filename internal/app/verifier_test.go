package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-rebalancer/internal/auth"
	"github.com/portfolio-rebalancer/internal/config"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/logging"
)

func TestBuild_HeaderVerifier(t *testing.T) {
	a, err := Build(context.Background(), baseConfig(), logging.Nop(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.IsType(t, auth.HeaderVerifier{}, a.Verifier)
}

func TestBuild_SignatureClaimsSharedThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := baseConfig()
	cfg.Store.Backend = config.StoreRedis
	cfg.Auth.Mode = config.AuthSignature

	first, err := Build(context.Background(), cfg, logging.Nop(), Options{Redis: client})
	require.NoError(t, err)
	second, err := Build(context.Background(), cfg, logging.Nop(), Options{Redis: client})
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	body := []byte(`{"asset":"xlm","amount":"10"}`)
	ts := time.Now().Unix()
	sig, err := crypto.Sign(accounts.TextHash(auth.SignatureMessage(http.MethodPost, "/api/portfolios/1/deposits", ts, body)), key)
	require.NoError(t, err)

	request := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/api/portfolios/1/deposits", bytes.NewReader(body))
		r.Header.Set(auth.HeaderCallerAddress, crypto.PubkeyToAddress(key.PublicKey).Hex())
		r.Header.Set(auth.HeaderCallerSignature, hexutil.Encode(sig))
		r.Header.Set(auth.HeaderCallerTimestamp, strconv.FormatInt(ts, 10))
		return r
	}

	_, err = first.Verifier.Verify(request(), body)
	require.NoError(t, err)
	assert.Equal(t, 1, countKeys(mr, "test:sig:"))

	_, err = second.Verifier.Verify(request(), body)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized, "another process sees the claim")
}

func countKeys(mr *miniredis.Miniredis, prefix string) int {
	n := 0
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}
