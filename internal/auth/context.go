package auth

import "context"

type principalContextKey struct{}
type outcomeContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal *Principal) context.Context {
	if principal == nil {
		return ctx
	}
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// ContextWithOutcome stores the resolver decision for downstream handlers.
func ContextWithOutcome(ctx context.Context, o Outcome) context.Context {
	ctx = context.WithValue(ctx, outcomeContextKey{}, o)
	return ContextWithPrincipal(ctx, o.Principal)
}

// OutcomeFromContext returns the resolver decision if one was attached.
func OutcomeFromContext(ctx context.Context) (Outcome, bool) {
	if ctx == nil {
		return Outcome{}, false
	}
	o, ok := ctx.Value(outcomeContextKey{}).(Outcome)
	return o, ok
}
