// Package reqctx holds the ambient per-request security context: the
// four fields established by the middleware pipeline (tenant_id, user_id,
// role, auth_method) and read without being threaded explicitly through
// every call. It is a leaf package — auth, tenant and rbac all depend on
// it, but it depends on none of them, which breaks the cycle those three
// would otherwise form.
package reqctx

import (
	"context"

	"github.com/google/uuid"
)

// Role is the RBAC role carried on a Request Context.
type Role string

const (
	RoleUberAdmin   Role = "UBER_ADMIN"
	RoleTenantAdmin Role = "TENANT_ADMIN"
	RoleProjectAdmin Role = "PROJECT_ADMIN"
	RoleEndUser     Role = "END_USER"
)

// validRoles is ordered only for description; no automatic inheritance.
var validRoles = map[Role]struct{}{
	RoleUberAdmin:    {},
	RoleTenantAdmin:  {},
	RoleProjectAdmin: {},
	RoleEndUser:      {},
}

// IsValid reports whether r is one of the four recognised roles.
func (r Role) IsValid() bool {
	_, ok := validRoles[r]
	return ok
}

// AuthMethod records how the current Request Context was authenticated.
type AuthMethod string

const (
	AuthOAuthBearer AuthMethod = "OAUTH_BEARER"
	AuthOpaqueKey   AuthMethod = "OPAQUE_API_KEY"
	AuthNone        AuthMethod = "NONE"
)

// Context is the immutable per-request record described in spec §3. It is
// created once, after tenant extraction completes, and never mutated.
type Context struct {
	TenantID   uuid.UUID
	UserID     uuid.UUID
	Role       Role
	AuthMethod AuthMethod
}

// Complete reports whether all four fields are populated (invariant I4:
// a request that reaches a tool handler must have a complete context).
func (c Context) Complete() bool {
	return c.TenantID != uuid.Nil && c.UserID != uuid.Nil && c.Role.IsValid() && c.AuthMethod != "" && c.AuthMethod != AuthNone
}

type ctxKey struct{}

// New returns a child of parent carrying rc. Values are per-goroutine:
// concurrent requests derive independent contexts and never observe each
// other's values.
func New(parent context.Context, rc Context) context.Context {
	return context.WithValue(parent, ctxKey{}, rc)
}

// From extracts the Request Context. The second return is false when no
// context has been established (e.g. code running outside a request) —
// callers whose correctness depends on identity must treat this as a
// fatal misconfiguration rather than substituting a zero value.
func From(ctx context.Context) (Context, bool) {
	rc, ok := ctx.Value(ctxKey{}).(Context)
	return rc, ok
}

// TenantID is a scoped reader; it returns uuid.Nil when no context is set.
func TenantID(ctx context.Context) uuid.UUID {
	rc, _ := From(ctx)
	return rc.TenantID
}

// UserID is a scoped reader; it returns uuid.Nil when no context is set.
func UserID(ctx context.Context) uuid.UUID {
	rc, _ := From(ctx)
	return rc.UserID
}

// RoleOf is a scoped reader; it returns the empty Role when no context is set.
func RoleOf(ctx context.Context) Role {
	rc, _ := From(ctx)
	return rc.Role
}

// MethodOf is a scoped reader; it returns AuthNone when no context is set.
func MethodOf(ctx context.Context) AuthMethod {
	rc, ok := From(ctx)
	if !ok {
		return AuthNone
	}
	return rc.AuthMethod
}

// IsUberAdmin reports whether the ambient role is exempt from tenant
// membership and cross-tenant key validation (spec invariants I2, I3).
func IsUberAdmin(ctx context.Context) bool {
	return RoleOf(ctx) == RoleUberAdmin
}
