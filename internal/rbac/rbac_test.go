package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/lanternforge/ragcore/internal/reqctx"
)

func TestPolicyAllowsGrantedTool(t *testing.T) {
	p := NewPolicy(map[reqctx.Role][]string{
		reqctx.RoleEndUser: {"memory.store"},
	})

	if !p.Allows(reqctx.RoleEndUser, "memory.store") {
		t.Error("expected END_USER to be allowed memory.store")
	}
	if p.Allows(reqctx.RoleEndUser, "tenant.config.update") {
		t.Error("expected END_USER to be denied tenant.config.update (not in matrix)")
	}
}

func TestPolicyDefaultDenyForUnknownRole(t *testing.T) {
	p := NewPolicy(nil)
	if p.Allows(reqctx.RoleProjectAdmin, "memory.store") {
		t.Error("expected strict default-deny for a role with no grants listed")
	}
}

func TestPolicyUberAdminAlwaysAllowed(t *testing.T) {
	p := NewPolicy(nil)
	if !p.Allows(reqctx.RoleUberAdmin, "literally.anything") {
		t.Error("expected UBER_ADMIN to bypass the policy matrix")
	}
}

func TestMiddlewareRejectsDeniedTool(t *testing.T) {
	policy := NewPolicy(map[reqctx.Role][]string{reqctx.RoleEndUser: {"memory.store"}})
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	mw := Middleware(policy, func(*http.Request) string { return "tenant.config.update" },
		func(*http.Request) uuid.UUID { return uuid.New() })

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	ctx := reqctx.New(r.Context(), reqctx.Context{
		TenantID: uuid.New(), UserID: uuid.New(), Role: reqctx.RoleEndUser, AuthMethod: reqctx.AuthOAuthBearer,
	})
	r = r.WithContext(ctx)
	w := httptest.NewRecorder()

	mw(okHandler).ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestMiddlewarePassesAllowedTool(t *testing.T) {
	policy := NewPolicy(map[reqctx.Role][]string{reqctx.RoleEndUser: {"memory.store"}})
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	mw := Middleware(policy, func(*http.Request) string { return "memory.store" },
		func(*http.Request) uuid.UUID { return uuid.New() })

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	ctx := reqctx.New(r.Context(), reqctx.Context{
		TenantID: uuid.New(), UserID: uuid.New(), Role: reqctx.RoleEndUser, AuthMethod: reqctx.AuthOAuthBearer,
	})
	r = r.WithContext(ctx)
	w := httptest.NewRecorder()

	mw(okHandler).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}
