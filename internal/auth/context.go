package auth

import "context"

type principalKey struct{}

// ContextWithPrincipal attaches the resolved principal to a request context.
// Only the request layer reads it back; core calls take the principal as an
// explicit argument.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by ContextWithPrincipal,
// or nil when the request was not authenticated.
func PrincipalFromContext(ctx context.Context) *Principal {
	if ctx == nil {
		return nil
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok {
		return nil
	}
	return &p
}
