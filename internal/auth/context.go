// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"slices"
)

// Role names recognised by the router.
const (
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	PrincipalID string   // token subject; the authorId of messages this principal sends
	Roles       []string // from the token's "roles" claim
}

// HasRole reports whether the principal carries role.
func (a *AuthContext) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// IsAdmin returns true if the principal has admin or owner role.
func (a *AuthContext) IsAdmin() bool {
	return a.HasRole(RoleAdmin) || a.HasRole(RoleOwner)
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// PrincipalID returns the authenticated principal, or "" when the request is anonymous.
func PrincipalID(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.PrincipalID
	}
	return ""
}
