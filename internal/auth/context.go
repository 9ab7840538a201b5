package auth

import (
	"context"

	"rosterline.org/internal/audit"
)

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context and
// makes it the actor of audit entries recorded under it.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	ctx = audit.WithActor(ctx, principal.AccountID, principal.OrganizationID)
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
