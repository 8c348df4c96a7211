package auth

import (
	"context"
	"strings"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID         string
	Name           string
	Roles          []string
	ImpersonatedBy string
}

// HasRole reports whether the identity holds role. Superadmins hold every role.
func (id Identity) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range id.Roles {
		if r == role || r == RoleSuperadmin {
			return true
		}
	}
	return false
}

type identityKey struct{}

// ContextWithIdentity stores the caller identity in the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	id.UserID = strings.TrimSpace(id.UserID)
	id.Roles = dedupeRoles(id.Roles)
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext extracts the caller identity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, false
	}
	return id, true
}

// ContextWithUser stores a bare user id and roles in the context.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	return ContextWithIdentity(ctx, Identity{UserID: userID, Roles: roles})
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return "", false
	}
	return id.UserID, true
}
