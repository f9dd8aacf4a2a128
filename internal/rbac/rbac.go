// Package rbac implements the Authorizer (spec §4.4): a static
// (role, tool_name) policy matrix with strict default-deny semantics and
// an implicit UBER_ADMIN override. It replaces the teacher's
// hierarchical roleLevel model (internal/auth/rbac.go's
// RequireRole/RequireMinRole) because spec.md's four roles carry no
// automatic inheritance — PROJECT_ADMIN is not "between" TENANT_ADMIN
// and END_USER, it is its own named grant.
package rbac

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/lanternforge/ragcore/internal/apierrors"
	"github.com/lanternforge/ragcore/internal/reqctx"
)

// Policy is the static (role, tool) permission matrix. A tool absent
// from a role's set is denied (spec §4.4 "strict mode": default-deny for
// any tool not explicitly listed).
type Policy struct {
	grants map[reqctx.Role]map[string]struct{}
}

// NewPolicy builds a Policy from a role -> allowed-tool-names map. Nil or
// empty tool lists mean the role has no grants at all.
func NewPolicy(grants map[reqctx.Role][]string) *Policy {
	p := &Policy{grants: make(map[reqctx.Role]map[string]struct{}, len(grants))}
	for role, tools := range grants {
		set := make(map[string]struct{}, len(tools))
		for _, tool := range tools {
			set[tool] = struct{}{}
		}
		p.grants[role] = set
	}
	return p
}

// Allows reports whether role may invoke tool. UBER_ADMIN is always
// allowed regardless of the matrix (spec §4.4's implicit override).
func (p *Policy) Allows(role reqctx.Role, tool string) bool {
	if role == reqctx.RoleUberAdmin {
		return true
	}
	set, ok := p.grants[role]
	if !ok {
		return false
	}
	_, allowed := set[tool]
	return allowed
}

// DefaultPolicy is the reference-design matrix (spec §4.4 example table).
// TENANT_ADMIN and PROJECT_ADMIN get the operational tool surface;
// END_USER is limited to its own memory and session tools.
func DefaultPolicy() *Policy {
	return NewPolicy(map[reqctx.Role][]string{
		reqctx.RoleTenantAdmin: {
			"memory.store", "memory.search", "memory.delete",
			"session.store", "session.get", "session.interrupt", "session.resume",
			"user.recognize", "tenant.config.get", "tenant.config.update",
			"audit.list", "apikey.create", "apikey.list", "apikey.revoke",
		},
		reqctx.RoleProjectAdmin: {
			"memory.store", "memory.search", "memory.delete",
			"session.store", "session.get", "session.interrupt", "session.resume",
			"user.recognize",
		},
		reqctx.RoleEndUser: {
			"memory.store", "memory.search",
			"session.store", "session.get",
		},
	})
}

// ToolNameFunc extracts the tool name a request addresses; routes call
// this out of the request path or body before invoking Middleware's
// downstream handler so the authorizer can look it up.
type ToolNameFunc func(*http.Request) string

// Middleware rejects a request with AUTH-002 when the ambient role is
// not permitted to invoke the named tool (spec §4.4, invariant I1: no
// tool handler runs before authorization succeeds).
func Middleware(policy *Policy, toolNameOf ToolNameFunc, requestIDOf func(*http.Request) uuid.UUID) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := requestIDOf(r)
			role := reqctx.RoleOf(r.Context())
			tool := toolNameOf(r)

			if !policy.Allows(role, tool) {
				apierrors.Respond(w, apierrors.Authorization(requestID, string(role), tool))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
