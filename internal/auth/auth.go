// Package auth carries the verified caller identity through a request and
// checks it against the identity an operation requires.
package auth

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
)

type callerKey struct{}

// WithCaller returns a context carrying a verified caller identity
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, NormalizeIdentity(caller))
}

// CallerFromContext returns the verified caller identity, if any
func CallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerKey{}).(string)
	return caller, ok && caller != ""
}

// NormalizeIdentity trims an identity and lower-cases hex addresses so that
// checksummed and plain spellings compare equal
func NormalizeIdentity(identity string) string {
	identity = strings.TrimSpace(identity)
	if common.IsHexAddress(identity) {
		return strings.ToLower(common.HexToAddress(identity).Hex())
	}
	return identity
}

// Authorizer checks that the caller of an operation is a given identity
type Authorizer interface {
	RequireCaller(ctx context.Context, identity string) error
}

// ContextAuthorizer trusts the identity placed in the context by the
// transport after it verified the request
type ContextAuthorizer struct{}

// RequireCaller implements Authorizer
func (ContextAuthorizer) RequireCaller(ctx context.Context, identity string) error {
	caller, ok := CallerFromContext(ctx)
	if !ok || caller != NormalizeIdentity(identity) {
		return apperrors.NewUnauthorizedError(NormalizeIdentity(identity))
	}
	return nil
}
