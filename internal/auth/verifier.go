package auth

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/portfolio-rebalancer/internal/config"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
)

// Request headers
const (
	HeaderCallerID        = "X-Caller-ID"
	HeaderCallerAddress   = "X-Caller-Address"
	HeaderCallerSignature = "X-Caller-Signature"
	HeaderCallerTimestamp = "X-Caller-Timestamp"
)

// Verifier extracts a verified caller identity from an HTTP request.
// An empty identity with a nil error means the request is anonymous.
type Verifier interface {
	Verify(r *http.Request, body []byte) (string, error)
}

// DefaultMaxSkew bounds the age of a signed request
const DefaultMaxSkew = 5 * time.Minute

// NewVerifier returns the verifier for an auth mode. replay records accepted
// signatures in signature mode; nil keeps them in process memory.
func NewVerifier(mode string, replay ReplayCache) (Verifier, error) {
	switch mode {
	case config.AuthHeader:
		return HeaderVerifier{}, nil
	case config.AuthSignature:
		return NewSignatureVerifier(DefaultMaxSkew, replay), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

// HeaderVerifier trusts the X-Caller-ID header. It is meant for deployments
// behind a gateway that authenticates callers.
type HeaderVerifier struct{}

// Verify implements Verifier
func (HeaderVerifier) Verify(r *http.Request, _ []byte) (string, error) {
	return NormalizeIdentity(r.Header.Get(HeaderCallerID)), nil
}

// SignatureVerifier accepts callers that sign each request with their
// Ethereum key (EIP-191 personal message). The caller identity is the
// recovered address. Each signed message is accepted once.
type SignatureVerifier struct {
	maxSkew time.Duration
	replay  ReplayCache
	now     func() time.Time
}

// NewSignatureVerifier rejects signatures whose timestamp is more than
// maxSkew away from the server clock, and messages already seen by replay
func NewSignatureVerifier(maxSkew time.Duration, replay ReplayCache) *SignatureVerifier {
	if replay == nil {
		replay = NewMemoryReplayCache()
	}
	return &SignatureVerifier{maxSkew: maxSkew, replay: replay, now: time.Now}
}

// SignatureMessage is the message a caller signs for a request
func SignatureMessage(method, path string, timestamp int64, body []byte) []byte {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteString(" ")
	b.WriteString(path)
	b.WriteString("\n")
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteString("\n")
	b.Write(body)
	return []byte(b.String())
}

// Verify implements Verifier
func (v *SignatureVerifier) Verify(r *http.Request, body []byte) (string, error) {
	address := r.Header.Get(HeaderCallerAddress)
	sigHex := r.Header.Get(HeaderCallerSignature)
	if address == "" && sigHex == "" {
		return "", nil
	}
	if !common.IsHexAddress(address) {
		return "", apperrors.NewInvalidParameterError(HeaderCallerAddress, "not an address")
	}

	ts, err := strconv.ParseInt(r.Header.Get(HeaderCallerTimestamp), 10, 64)
	if err != nil {
		return "", apperrors.NewInvalidParameterError(HeaderCallerTimestamp, "not a unix timestamp")
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew > v.maxSkew || skew < -v.maxSkew {
		return "", apperrors.NewUnauthorizedError("fresh signature")
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return "", apperrors.NewInvalidParameterError(HeaderCallerSignature, "expected 65 hex-encoded bytes")
	}
	// wallets produce V as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	hash := accounts.TextHash(SignatureMessage(r.Method, r.URL.Path, ts, body))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", apperrors.NewUnauthorizedError("valid signature")
	}

	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(address) {
		return "", apperrors.NewUnauthorizedError(NormalizeIdentity(address))
	}

	// keyed on signer and message, not signature bytes, so a re-encoded
	// signature of the same request is still a replay
	key := recovered.Hex() + ":" + hexutil.Encode(hash)
	fresh, err := v.replay.Claim(r.Context(), key, 2*v.maxSkew+time.Second)
	if err != nil {
		return "", apperrors.NewDatabaseError("claim request signature", err)
	}
	if !fresh {
		return "", apperrors.NewUnauthorizedError("unused signature")
	}
	return NormalizeIdentity(recovered.Hex()), nil
}
