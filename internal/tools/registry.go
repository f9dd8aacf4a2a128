// Package tools implements the RPC tool catalog and dispatch surface
// (spec §5's "Tool handler" step): an explicit, constructor-built
// registry of (name, handler, resource type) mapping one HTTP route,
// POST /tools/{name}, onto whichever backing component the tool
// addresses. Adapted from erauner12-toolbridge-api's
// internal/mcpserver/tools package (Registry/ToolDefinition/Handler/
// ToolContext/ToolError), stripped of its MCP JSON-RPC content-block
// envelope since this surface is plain JSON request/response rather
// than wire-level MCP — the spec's own REDESIGN FLAGS section calls for
// exactly this shape in place of the original's decorator-discovered
// catalog: "an explicit registry populated by a constructor ... built
// at startup."
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lanternforge/ragcore/internal/apierrors"
	"github.com/lanternforge/ragcore/internal/httpserver"
	"github.com/lanternforge/ragcore/internal/reqctx"
)

// Handler executes one tool invocation. It receives the already-decoded
// request body and the ambient ToolContext; errors should be *ToolError
// so Dispatch can translate them into the shared error envelope.
type Handler func(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error)

// Definition describes a registered tool (spec REDESIGN FLAGS:
// "(name, handler, required_role_set, resource_type)").
// RequiredRoles is informational only — internal/rbac.Policy is the
// enforced source of truth — and is surfaced through List for
// introspection/documentation endpoints.
type Definition struct {
	Name          string
	Description   string
	ResourceType  string
	RequiredRoles []reqctx.Role
}

type entry struct {
	def     Definition
	handler Handler
}

// Registry maps tool names to handlers, built once at startup and read
// concurrently by every request thereafter.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*entry
	ordering []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds a tool. It panics on a duplicate or malformed
// definition since registration happens once at startup, where a
// programmer error should fail fast rather than surface at request time.
func (r *Registry) Register(def Definition, handler Handler) {
	if def.Name == "" {
		panic("tools: definition name cannot be empty")
	}
	if handler == nil {
		panic(fmt.Sprintf("tools: handler for %q cannot be nil", def.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		panic(fmt.Sprintf("tools: %q already registered", def.Name))
	}

	r.tools[def.Name] = &entry{def: def, handler: handler}
	r.ordering = append(r.ordering, def.Name)
}

// List returns every registered tool's Definition in registration order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.ordering))
	for _, name := range r.ordering {
		out = append(out, r.tools[name].def)
	}
	return out
}

func (r *Registry) get(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

// ToolNameOf reads the tool name out of a request's chi URL parameter.
// Used as the ToolNameFunc for both internal/rbac.Middleware and
// internal/audit.Middleware so every middleware in the pipeline agrees
// on the same tool name for a given request.
func ToolNameOf(r *http.Request) string {
	return chi.URLParam(r, "name")
}

// ResourceIDOf extracts a best-effort resource id for audit events: the
// chi "id" URL parameter if the route carries one, otherwise "".
func ResourceIDOf(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// Routes mounts POST /{name} for every tool in the registry under one
// chi.Router, so callers wire RBAC/rate-limit/audit middleware around
// this router rather than per-tool.
func (r *Registry) Routes(newToolContext func(*http.Request) *ToolContext) chi.Router {
	router := chi.NewRouter()
	router.Post("/{name}", r.dispatch(newToolContext))
	return router
}

func (r *Registry) dispatch(newToolContext func(*http.Request) *ToolContext) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		requestID := httpserver.RequestIDOf(req)
		name := chi.URLParam(req, "name")

		e, ok := r.get(name)
		if !ok {
			apierrors.Respond(w, apierrors.New(apierrors.CodeResourceNotFound, "unknown tool: "+name, requestID))
			return
		}

		var body json.RawMessage
		if req.ContentLength != 0 {
			if err := httpserver.Decode(req, &body); err != nil {
				apierrors.Respond(w, apierrors.Validation(requestID, "body", err.Error()))
				return
			}
		}

		tc := newToolContext(req)
		result, err := e.handler(req.Context(), tc, body)
		if err != nil {
			apierrors.Respond(w, ToAPIError(requestID, err))
			return
		}

		httpserver.Respond(w, http.StatusOK, result)
	}
}

// ToAPIError translates a tool handler's returned error into the wire
// error shape, passing *apierrors.Error through unchanged and wrapping
// everything else as an internal failure.
func ToAPIError(requestID uuid.UUID, err error) *apierrors.Error {
	if apiErr, ok := err.(*apierrors.Error); ok {
		return apiErr
	}
	if toolErr, ok := err.(*ToolError); ok {
		return apierrors.New(toolErr.Code, toolErr.Message, requestID)
	}
	return apierrors.New(apierrors.CodeUnknown, "tool invocation failed", requestID)
}
