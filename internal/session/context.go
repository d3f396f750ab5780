package session

import (
	"context"

	"github.com/dgellow/contentdesk/internal/storage"
)

type contextKey string

const identityKey contextKey = "session.identity"

// WithIdentity adds the verified identity to the context
func WithIdentity(ctx context.Context, identity *storage.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext retrieves the verified identity from context
func IdentityFromContext(ctx context.Context) (*storage.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*storage.Identity)
	return identity, ok && identity != nil
}
