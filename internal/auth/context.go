// ABOUTME: Request context helpers carrying the authenticated operator
// ABOUTME: Handlers read the operator to stamp deploy triggers

package auth

import "context"

type claimsKey struct{}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// FromContext returns the claims on ctx, or nil for anonymous requests.
func FromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// Subject returns the operator name on ctx, or "" when anonymous.
func Subject(ctx context.Context) string {
	if c := FromContext(ctx); c != nil {
		return c.Subject
	}
	return ""
}
