// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithIdentity/IdentityFromContext for propagating the verified user

package auth

import (
	"context"
)

// identityKey is the key type for storing the verified identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the verified user identity attached.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext retrieves the verified identity from the context,
// returning empty string if not present.
func IdentityFromContext(ctx context.Context) string {
	val := ctx.Value(identityKey{})
	if val == nil {
		return ""
	}
	identity, ok := val.(string)
	if !ok {
		return ""
	}
	return identity
}
