package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
)

func TestContextAuthorizer(t *testing.T) {
	var authz ContextAuthorizer
	ctx := context.Background()

	err := authz.RequireCaller(ctx, "alice")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized, "anonymous caller")

	ctx = WithCaller(ctx, "alice")
	assert.NoError(t, authz.RequireCaller(ctx, "alice"))
	assert.ErrorIs(t, authz.RequireCaller(ctx, "bob"), apperrors.ErrUnauthorized)
}

func TestNormalizeIdentity_Addresses(t *testing.T) {
	checksummed := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	assert.Equal(t, strings.ToLower(checksummed), NormalizeIdentity("  "+checksummed+" "))
	assert.Equal(t, "alice", NormalizeIdentity(" alice "))

	ctx := WithCaller(context.Background(), strings.ToLower(checksummed))
	assert.NoError(t, ContextAuthorizer{}.RequireCaller(ctx, checksummed))
}

func TestHeaderVerifier(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/portfolios/1", nil)
	caller, err := HeaderVerifier{}.Verify(r, nil)
	require.NoError(t, err)
	assert.Empty(t, caller)

	r.Header.Set(HeaderCallerID, "alice")
	caller, err = HeaderVerifier{}.Verify(r, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", caller)
}

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier("header", nil)
	require.NoError(t, err)
	assert.IsType(t, HeaderVerifier{}, v)

	v, err = NewVerifier("signature", nil)
	require.NoError(t, err)
	assert.IsType(t, &SignatureVerifier{}, v)

	_, err = NewVerifier("oauth", nil)
	assert.Error(t, err)
}

func signedRequest(t *testing.T, key *ecdsa.PrivateKey, method, path string, ts int64, body []byte) *http.Request {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash(SignatureMessage(method, path, ts, body)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	r := httptest.NewRequest(method, path, bytes.NewReader(body))
	r.Header.Set(HeaderCallerAddress, crypto.PubkeyToAddress(key.PublicKey).Hex())
	r.Header.Set(HeaderCallerSignature, hexutil.Encode(sig))
	r.Header.Set(HeaderCallerTimestamp, strconv.FormatInt(ts, 10))
	return r
}

func TestSignatureVerifier(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	v := NewSignatureVerifier(time.Minute, nil)
	v.now = func() time.Time { return now }

	body := []byte(`{"asset":"usdc","amount":"100"}`)
	owner := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	t.Run("valid signature", func(t *testing.T) {
		r := signedRequest(t, key, http.MethodPost, "/api/portfolios/1/deposits", now.Unix(), body)
		caller, err := v.Verify(r, body)
		require.NoError(t, err)
		assert.Equal(t, owner, caller)
	})

	t.Run("anonymous", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/state", nil)
		caller, err := v.Verify(r, nil)
		require.NoError(t, err)
		assert.Empty(t, caller)
	})

	t.Run("tampered body", func(t *testing.T) {
		r := signedRequest(t, key, http.MethodPost, "/api/portfolios/1/deposits", now.Unix(), body)
		_, err := v.Verify(r, []byte(`{"asset":"usdc","amount":"999"}`))
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	})

	t.Run("signed by another key", func(t *testing.T) {
		r := signedRequest(t, other, http.MethodPost, "/api/portfolios/1/deposits", now.Unix(), body)
		r.Header.Set(HeaderCallerAddress, owner)
		_, err := v.Verify(r, body)
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		r := signedRequest(t, key, http.MethodPost, "/api/portfolios/1/deposits", now.Add(-2*time.Minute).Unix(), body)
		_, err := v.Verify(r, body)
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	})

	t.Run("malformed signature", func(t *testing.T) {
		r := signedRequest(t, key, http.MethodPost, "/api/portfolios/1/deposits", now.Unix(), body)
		r.Header.Set(HeaderCallerSignature, "0x1234")
		_, err := v.Verify(r, body)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})

	t.Run("bad address", func(t *testing.T) {
		r := signedRequest(t, key, http.MethodPost, "/api/portfolios/1/deposits", now.Unix(), body)
		r.Header.Set(HeaderCallerAddress, "alice")
		_, err := v.Verify(r, body)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})
}

func TestSignatureVerifier_RejectsReplay(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	v := NewSignatureVerifier(time.Minute, nil)
	v.now = func() time.Time { return now }

	body := []byte(`{"asset":"usdc","amount":"100"}`)
	first := signedRequest(t, key, http.MethodPost, "/api/portfolios/1/deposits", now.Unix(), body)
	_, err = v.Verify(first, body)
	require.NoError(t, err)

	again := signedRequest(t, key, http.MethodPost, "/api/portfolios/1/deposits", now.Unix(), body)
	_, err = v.Verify(again, body)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	// same message, signature with V in 0/1 form instead of 27/28
	reencoded := signedRequest(t, key, http.MethodPost, "/api/portfolios/1/deposits", now.Unix(), body)
	sig := hexutil.MustDecode(reencoded.Header.Get(HeaderCallerSignature))
	sig[crypto.RecoveryIDOffset] -= 27
	reencoded.Header.Set(HeaderCallerSignature, hexutil.Encode(sig))
	_, err = v.Verify(reencoded, body)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	// a new timestamp is a new message
	later := signedRequest(t, key, http.MethodPost, "/api/portfolios/1/deposits", now.Unix()+1, body)
	_, err = v.Verify(later, body)
	assert.NoError(t, err)
}

type failingReplayCache struct{}

func (failingReplayCache) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestSignatureVerifier_ReplayStoreDown(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	v := NewSignatureVerifier(time.Minute, failingReplayCache{})
	v.now = func() time.Time { return now }

	body := []byte(`{}`)
	r := signedRequest(t, key, http.MethodPost, "/api/portfolios/1/deposits", now.Unix(), body)
	_, err = v.Verify(r, body)
	require.Error(t, err)

	var catErr *apperrors.CategorizedError
	require.True(t, errors.As(err, &catErr))
	assert.Equal(t, apperrors.CodeDatabaseError, catErr.Code)
}
