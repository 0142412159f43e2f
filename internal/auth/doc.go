// Package auth guards the mutating HTTP routes of harbor-gateway.
//
// When auth.jwt_secret is configured, registry and deploy routes require an
// HS256 bearer token:
//
//	Authorization: Bearer <jwt>
//
// The "sub" claim names the operator and is recorded as the deploy trigger.
// An optional space separated "scope" claim restricts the token, e.g.
// "deploy" or "apps". Tokens without a scope claim are unrestricted.
//
// Tokens are minted with the CLI:
//
//	harbor-gateway token --subject alice --scope deploy
package auth
