package identity

import "context"

// Principal is the authenticated caller of an operation.
type Principal struct {
	UserID string
	Name   string
	Role   Role
}

// IsZero reports whether p carries no identity.
func (p Principal) IsZero() bool { return p.UserID == "" }

// IsAdmin reports whether the principal holds an admin-capable role.
func (p Principal) IsAdmin() bool { return !p.IsZero() && p.Role.HasAdminCapability() }

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.IsZero() {
		return Principal{}, false
	}
	return p, true
}
