package auth

import (
	"context"
	"strings"
)

type contextKey string

const actorKey contextKey = "actor_identity"

// ActorIdentity is the authenticated caller as supplied by upstream
// authentication. The audit core never reads other profile fields.
type ActorIdentity struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Role        string   `json:"role"`
	Roles       []string `json:"roles,omitempty"`
}

// Known reports whether the identity carries an actor id.
func (a ActorIdentity) Known() bool {
	return strings.TrimSpace(a.ID) != ""
}

// HasRole reports whether the actor holds role. The admin role implies all roles.
func (a ActorIdentity) HasRole(role string) bool {
	if a.Role == role || a.Role == RoleAdmin {
		return true
	}
	for _, r := range a.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// WithActor stores the identity on ctx.
func WithActor(ctx context.Context, a ActorIdentity) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the identity stored by the auth middleware.
func ActorFromContext(ctx context.Context) (ActorIdentity, bool) {
	a, ok := ctx.Value(actorKey).(ActorIdentity)
	return a, ok
}

// UserIDFromContext returns the actor id or an empty string.
func UserIDFromContext(ctx context.Context) string {
	a, _ := ActorFromContext(ctx)
	return a.ID
}
