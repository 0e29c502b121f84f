package middleware

import (
	"context"

	"github.com/portalchat/internal/model"
)

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity stores the resolved caller identity in the context.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity returns the caller identity from the context (set by Identity
// middleware). The zero value means no identity resolved.
func GetIdentity(ctx context.Context) model.Identity {
	v, _ := ctx.Value(identityKey).(model.Identity)
	return v
}
