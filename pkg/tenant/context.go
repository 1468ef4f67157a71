package tenant

import (
	"context"
	"errors"
)

// ErrNoContext is returned when a tenant identity is read from a context
// that never went through WithContext. It signals a missing scope setup in
// the request handler, not a runtime condition worth retrying.
var ErrNoContext = errors.New("tenant: no tenant context set")

type ctxKey struct{}

// Identity is the ambient per-request identity: which tenant the request
// operates on and, optionally, which user issued it.
type Identity struct {
	TenantID string
	UserID   int64
}

// WithContext returns a child context carrying the given tenant identity.
// Nesting works the usual context way: an inner WithContext shadows the
// outer identity for its subtree, and the outer one is restored as soon as
// the caller goes back to the parent context.
func WithContext(ctx context.Context, tenantID string, userID int64) context.Context {
	return context.WithValue(ctx, ctxKey{}, Identity{TenantID: tenantID, UserID: userID})
}

// FromContext returns the identity stored in ctx, or ErrNoContext if none.
func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok {
		return Identity{}, ErrNoContext
	}
	return id, nil
}

// IDFromContext returns just the tenant ID from ctx, or ErrNoContext.
func IDFromContext(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	if err != nil {
		return "", err
	}
	return id.TenantID, nil
}

// HasContext reports whether ctx carries a tenant identity.
func HasContext(ctx context.Context) bool {
	_, ok := ctx.Value(ctxKey{}).(Identity)
	return ok
}
