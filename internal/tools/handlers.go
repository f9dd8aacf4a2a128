package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/lanternforge/ragcore/internal/apierrors"
	"github.com/lanternforge/ragcore/internal/db"
	"github.com/lanternforge/ragcore/internal/httpserver"
	"github.com/lanternforge/ragcore/internal/memory"
	"github.com/lanternforge/ragcore/internal/ranking"
	"github.com/lanternforge/ragcore/internal/reqctx"
	"github.com/lanternforge/ragcore/internal/session"
	"github.com/lanternforge/ragcore/pkg/apikey"
	"github.com/lanternforge/ragcore/pkg/tenantconfig"
)

// validateRequest runs httpserver.Validate's struct-tag validation
// against a decoded tool request body and, on failure, returns a
// VALIDATION-001 ToolError carrying every field error joined into one
// message (tool responses have no per-field details envelope). Tool
// handlers call this on the struct they unmarshal themselves, because
// tool dispatch hands handlers a json.RawMessage body, not an
// *http.Request to decode from directly.
func validateRequest(v any) error {
	errs := httpserver.Validate(v)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Field + ": " + e.Message
	}
	return NewToolError(apierrors.CodeValidation, strings.Join(msgs, "; "))
}

// BuildRegistry constructs the full tool catalog (spec §4 tool surface,
// §4.10 ranking is folded into memory.search rather than exposed as its
// own tool since it has no standalone request shape in spec.md).
// Registration happens once at startup; RequiredRoles is informational
// only, internal/rbac.Policy is the role gate actually enforced on the
// request path.
func BuildRegistry(tenantCfg *tenantconfig.Service) *Registry {
	r := NewRegistry()

	r.Register(Definition{
		Name:          "memory.store",
		Description:   "Store a conversation turn in the user's memory.",
		ResourceType:  "memory",
		RequiredRoles: []reqctx.Role{reqctx.RoleUberAdmin, reqctx.RoleTenantAdmin, reqctx.RoleProjectAdmin, reqctx.RoleEndUser},
	}, handleMemoryStore)

	r.Register(Definition{
		Name:          "memory.search",
		Description:   "Search the user's memory, optionally personalized.",
		ResourceType:  "memory",
		RequiredRoles: []reqctx.Role{reqctx.RoleUberAdmin, reqctx.RoleTenantAdmin, reqctx.RoleProjectAdmin, reqctx.RoleEndUser},
	}, handleMemorySearch(tenantCfg))

	r.Register(Definition{
		Name:          "memory.delete",
		Description:   "Delete memory entries (not yet supported by the primary backend).",
		ResourceType:  "memory",
		RequiredRoles: []reqctx.Role{reqctx.RoleUberAdmin, reqctx.RoleTenantAdmin},
	}, handleMemoryDelete)

	r.Register(Definition{
		Name:          "session.store",
		Description:   "Store or replace a session's conversation context.",
		ResourceType:  "session_context",
		RequiredRoles: []reqctx.Role{reqctx.RoleUberAdmin, reqctx.RoleTenantAdmin, reqctx.RoleProjectAdmin, reqctx.RoleEndUser},
	}, handleSessionStore)

	r.Register(Definition{
		Name:          "session.get",
		Description:   "Fetch a session's stored conversation context.",
		ResourceType:  "session_context",
		RequiredRoles: []reqctx.Role{reqctx.RoleUberAdmin, reqctx.RoleTenantAdmin, reqctx.RoleProjectAdmin, reqctx.RoleEndUser},
	}, handleSessionGet)

	r.Register(Definition{
		Name:          "session.interrupt",
		Description:   "Record an interrupted query against the active session.",
		ResourceType:  "session_context",
		RequiredRoles: []reqctx.Role{reqctx.RoleUberAdmin, reqctx.RoleTenantAdmin, reqctx.RoleProjectAdmin, reqctx.RoleEndUser},
	}, handleSessionInterrupt)

	r.Register(Definition{
		Name:          "session.resume",
		Description:   "Resume an interrupted session, restoring its context.",
		ResourceType:  "session_context",
		RequiredRoles: []reqctx.Role{reqctx.RoleUberAdmin, reqctx.RoleTenantAdmin, reqctx.RoleProjectAdmin, reqctx.RoleEndUser},
	}, handleSessionResume)

	r.Register(Definition{
		Name:          "user.recognize",
		Description:   "Recognize a returning user and build a personalized greeting.",
		ResourceType:  "user",
		RequiredRoles: []reqctx.Role{reqctx.RoleUberAdmin, reqctx.RoleTenantAdmin, reqctx.RoleProjectAdmin, reqctx.RoleEndUser},
	}, handleUserRecognize)

	r.Register(Definition{
		Name:          "tenant.config.get",
		Description:   "Read the calling tenant's configuration overrides.",
		ResourceType:  "tenant_config",
		RequiredRoles: []reqctx.Role{reqctx.RoleUberAdmin, reqctx.RoleTenantAdmin},
	}, handleTenantConfigGet(tenantCfg))

	r.Register(Definition{
		Name:          "tenant.config.update",
		Description:   "Update the calling tenant's configuration overrides.",
		ResourceType:  "tenant_config",
		RequiredRoles: []reqctx.Role{reqctx.RoleUberAdmin, reqctx.RoleTenantAdmin},
	}, handleTenantConfigUpdate(tenantCfg))

	r.Register(Definition{
		Name:          "audit.list",
		Description:   "List recent audit log entries for the calling tenant.",
		ResourceType:  "audit_log",
		RequiredRoles: []reqctx.Role{reqctx.RoleUberAdmin, reqctx.RoleTenantAdmin},
	}, handleAuditList)

	r.Register(Definition{
		Name:          "apikey.create",
		Description:   "Issue a new tenant-scoped API key. The raw key is returned once.",
		ResourceType:  "api_key",
		RequiredRoles: []reqctx.Role{reqctx.RoleUberAdmin, reqctx.RoleTenantAdmin},
	}, handleAPIKeyCreate)

	r.Register(Definition{
		Name:          "apikey.list",
		Description:   "List the calling tenant's API keys (without raw secrets).",
		ResourceType:  "api_key",
		RequiredRoles: []reqctx.Role{reqctx.RoleUberAdmin, reqctx.RoleTenantAdmin},
	}, handleAPIKeyList)

	r.Register(Definition{
		Name:          "apikey.revoke",
		Description:   "Revoke one of the calling tenant's API keys.",
		ResourceType:  "api_key",
		RequiredRoles: []reqctx.Role{reqctx.RoleUberAdmin, reqctx.RoleTenantAdmin},
	}, handleAPIKeyRevoke)

	return r
}

// --- memory.* ---------------------------------------------------------

type memoryStoreRequest struct {
	UserID   uuid.UUID        `json:"user_id" validate:"required"`
	Messages []memory.Message `json:"messages" validate:"required,min=1"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

func handleMemoryStore(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error) {
	var req memoryStoreRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewToolError(apierrors.CodeValidation, "invalid request body: "+err.Error())
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	result, err := tc.Memory.Add(ctx, req.UserID, req.Messages, req.Metadata)
	if err != nil {
		return nil, memory.ToAPIError(httpRequestIDOf(ctx), err)
	}
	return result, nil
}

type memorySearchRequest struct {
	UserID      uuid.UUID      `json:"user_id" validate:"required"`
	Query       string         `json:"query" validate:"required"`
	Limit       int            `json:"limit,omitempty" validate:"omitempty,min=1,max=200"`
	Filters     map[string]any `json:"filters,omitempty"`
	Personalize bool           `json:"personalize,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
}

// handleMemorySearch is grounded on
// original_source/app/services/context_aware_search_service.py's
// personalize_search_results: memory keywords come from the returned
// memories' own content (_extract_keywords_from_memory), session
// keywords come from the session's interrupted queries
// (_extract_keywords_from_session_context), and preferred
// types/tags come from the session's stored user_preferences
// (_extract_preferences_from_session_context) — never from the query
// string itself, which the ranker already scores directly via
// tc.Memory.Search's own relevance pass.
func handleMemorySearch(tenantCfg *tenantconfig.Service) Handler {
	return func(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error) {
		var req memorySearchRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, NewToolError(apierrors.CodeValidation, "invalid request body: "+err.Error())
		}
		if err := validateRequest(&req); err != nil {
			return nil, err
		}
		if req.Limit <= 0 {
			req.Limit = 10
		}

		result, err := tc.Memory.Search(ctx, req.UserID, req.Query, req.Limit, req.Filters)
		if err != nil {
			return nil, memory.ToAPIError(httpRequestIDOf(ctx), err)
		}

		if !req.Personalize || tenantCfg == nil {
			return result, nil
		}

		tenantID := reqctx.TenantID(ctx)
		cfg, cfgErr := tenantCfg.Get(ctx, tenantID)
		if cfgErr != nil || !cfg.PersonalizationEnabled {
			return result, nil
		}

		pctx := ranking.PersonalizationContext{
			MemoryKeywords: ranking.ExtractKeywords(memoryContents(result.Results)...),
		}
		if req.SessionID != "" && tc.Session != nil {
			if sessCtx, found, sessErr := tc.Session.Get(ctx, tenantID, req.UserID, req.SessionID); sessErr == nil && found {
				pctx.SessionKeywords = ranking.ExtractKeywords(sessCtx.InterruptedQueries...)
				pctx.PreferredTypes = stringSliceOf(sessCtx.UserPreferences["preferred_document_types"])
				pctx.PreferredTags = stringSliceOf(sessCtx.UserPreferences["preferred_tags"])
			}
		}

		docs := make([]ranking.Document, len(result.Results))
		for i, rec := range result.Results {
			docs[i] = ranking.Document{Score: rec.RelevanceScore, Snippet: rec.Content, Metadata: map[string]any{"index": i}}
		}

		ranked := tc.Ranker.Personalize(ctx, tenantID, true, pctx, docs)

		reordered := make([]memory.Record, len(ranked))
		for i, doc := range ranked {
			idx, _ := doc.Metadata["index"].(int)
			rec := result.Results[idx]
			rec.RelevanceScore = doc.Score
			reordered[i] = rec
		}
		result.Results = reordered
		return result, nil
	}
}

// memoryContents pulls the free-text content out of each returned
// memory record for keyword extraction.
func memoryContents(records []memory.Record) []string {
	texts := make([]string, len(records))
	for i, rec := range records {
		texts[i] = rec.Content
	}
	return texts
}

// stringSliceOf coerces a user_preferences value decoded from JSON
// (via encoding/json into map[string]any, so a stored []string comes
// back as []any) into a []string, skipping non-string elements.
func stringSliceOf(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func handleMemoryDelete(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error) {
	return nil, NewToolError(apierrors.CodeServiceUnavailable, "memory.delete is not supported by the configured primary backend")
}

// --- session.* ----------------------------------------------------------

type sessionStoreRequest struct {
	UserID             uuid.UUID      `json:"user_id" validate:"required"`
	SessionID          string         `json:"session_id" validate:"required"`
	ConversationState  map[string]any `json:"conversation_state,omitempty"`
	UserPreferences    map[string]any `json:"user_preferences,omitempty"`
	InterruptedQueries []string       `json:"interrupted_queries,omitempty"`
	RecentInteractions []any          `json:"recent_interactions,omitempty"`
}

func handleSessionStore(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error) {
	var req sessionStoreRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewToolError(apierrors.CodeValidation, "invalid request body: "+err.Error())
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	tenantID := reqctx.TenantID(ctx)
	c := session.Context{
		SessionID:          req.SessionID,
		UserID:             req.UserID,
		TenantID:           tenantID,
		ConversationState:  req.ConversationState,
		UserPreferences:    req.UserPreferences,
		InterruptedQueries: req.InterruptedQueries,
		RecentInteractions: req.RecentInteractions,
	}
	out, err := tc.Session.Store(ctx, tenantID, req.UserID, req.SessionID, c)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type sessionGetRequest struct {
	UserID    uuid.UUID `json:"user_id" validate:"required"`
	SessionID string    `json:"session_id" validate:"required"`
}

func handleSessionGet(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error) {
	var req sessionGetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewToolError(apierrors.CodeValidation, "invalid request body: "+err.Error())
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	tenantID := reqctx.TenantID(ctx)
	out, found, err := tc.Session.Get(ctx, tenantID, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierrors.ResourceNotFound(httpRequestIDOf(ctx), "session_context", req.SessionID)
	}
	return out, nil
}

type sessionInterruptRequest struct {
	UserID             uuid.UUID      `json:"user_id" validate:"required"`
	SessionID          string         `json:"session_id" validate:"required"`
	CurrentQuery       string         `json:"current_query"`
	ConversationState  map[string]any `json:"conversation_state,omitempty"`
	RecentInteractions []any          `json:"recent_interactions,omitempty"`
	UserPreferences    map[string]any `json:"user_preferences,omitempty"`
}

func handleSessionInterrupt(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error) {
	var req sessionInterruptRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewToolError(apierrors.CodeValidation, "invalid request body: "+err.Error())
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	tenantID := reqctx.TenantID(ctx)
	out, err := tc.Session.Interrupt(ctx, tenantID, req.UserID, req.SessionID, req.CurrentQuery,
		req.ConversationState, req.RecentInteractions, req.UserPreferences)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type sessionResumeRequest struct {
	UserID    uuid.UUID `json:"user_id" validate:"required"`
	SessionID string    `json:"session_id" validate:"required"`
}

func handleSessionResume(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error) {
	var req sessionResumeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewToolError(apierrors.CodeValidation, "invalid request body: "+err.Error())
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	requestID := httpRequestIDOf(ctx)
	tenantID := reqctx.TenantID(ctx)
	out, err := tc.Session.Resume(ctx, requestID, tenantID, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- user.* ---------------------------------------------------------

type userRecognizeRequest struct {
	UserID    uuid.UUID `json:"user_id" validate:"required"`
	SessionID string    `json:"session_id,omitempty"`
	UseCache  bool      `json:"use_cache,omitempty"`
}

func handleUserRecognize(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error) {
	var req userRecognizeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewToolError(apierrors.CodeValidation, "invalid request body: "+err.Error())
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	tenantID := reqctx.TenantID(ctx)
	out, err := tc.Recognition.Recognize(ctx, tenantID, req.UserID, req.SessionID, req.UseCache)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- tenant.config.* --------------------------------------------------

func handleTenantConfigGet(svc *tenantconfig.Service) Handler {
	return func(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error) {
		tenantID := reqctx.TenantID(ctx)
		out, err := svc.Get(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

func handleTenantConfigUpdate(svc *tenantconfig.Service) Handler {
	return func(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error) {
		var req tenantconfig.UpdateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, NewToolError(apierrors.CodeValidation, "invalid request body: "+err.Error())
		}

		tenantID := reqctx.TenantID(ctx)
		out, err := svc.Update(ctx, tenantID, req)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// --- audit.list ---------------------------------------------------------

// auditListRequest carries the same page/page_size shape
// httpserver.OffsetParams parses off query parameters for REST
// endpoints; tool calls take their arguments from a JSON body instead
// of a query string, so the fields are decoded here and handed to
// httpserver.NewOffsetPage directly rather than through
// httpserver.ParseOffsetParams (which is *http.Request-shaped).
type auditListRequest struct {
	Page     int `json:"page,omitempty" validate:"omitempty,min=1"`
	PageSize int `json:"page_size,omitempty" validate:"omitempty,min=1,max=100"`
}

func handleAuditList(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error) {
	if tc.Conn == nil {
		return nil, NewToolError(apierrors.CodeServiceUnavailable, "no tenant-scoped database connection available")
	}

	req := auditListRequest{Page: 1, PageSize: httpserver.DefaultPageSize}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, NewToolError(apierrors.CodeValidation, "invalid request body: "+err.Error())
		}
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 || req.PageSize > httpserver.MaxPageSize {
		req.PageSize = httpserver.DefaultPageSize
	}
	params := httpserver.OffsetParams{Page: req.Page, PageSize: req.PageSize, Offset: (req.Page - 1) * req.PageSize}

	q := db.New(tc.Conn)
	entries, err := q.ListAuditLog(ctx, db.ListAuditLogParams{Limit: int32(params.PageSize), Offset: int32(params.Offset)})
	if err != nil {
		return nil, err
	}
	total, err := q.CountAuditLog(ctx)
	if err != nil {
		return nil, err
	}
	return httpserver.NewOffsetPage(entries, params, total), nil
}

// --- apikey.* -----------------------------------------------------------

type apikeyCreateRequest struct {
	Role          string `json:"role" validate:"omitempty,oneof=end_user project_admin tenant_admin uber_admin"`
	ExpiresInDays int    `json:"expires_in_days,omitempty" validate:"omitempty,min=1"`
}

func handleAPIKeyCreate(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error) {
	if tc.APIKeys == nil {
		return nil, NewToolError(apierrors.CodeServiceUnavailable, "api key service unavailable")
	}

	var req apikeyCreateRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, NewToolError(apierrors.CodeValidation, "invalid request body: "+err.Error())
		}
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	if req.Role == "" {
		req.Role = "end_user"
	}

	out, err := tc.APIKeys.Create(ctx, reqctx.TenantID(ctx), apikey.CreateRequest{
		Role:          req.Role,
		ExpiresInDays: req.ExpiresInDays,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func handleAPIKeyList(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error) {
	if tc.APIKeys == nil {
		return nil, NewToolError(apierrors.CodeServiceUnavailable, "api key service unavailable")
	}

	out, err := tc.APIKeys.List(ctx, reqctx.TenantID(ctx))
	if err != nil {
		return nil, err
	}
	return out, nil
}

type apikeyRevokeRequest struct {
	ID uuid.UUID `json:"id" validate:"required"`
}

func handleAPIKeyRevoke(ctx context.Context, tc *ToolContext, body json.RawMessage) (any, error) {
	if tc.APIKeys == nil {
		return nil, NewToolError(apierrors.CodeServiceUnavailable, "api key service unavailable")
	}

	var req apikeyRevokeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewToolError(apierrors.CodeValidation, "invalid request body: "+err.Error())
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	if err := tc.APIKeys.Revoke(ctx, reqctx.TenantID(ctx), req.ID); err != nil {
		return nil, err
	}
	return map[string]string{"status": "revoked"}, nil
}

// httpRequestIDOf recovers the request id stashed by httpserver.RequestID
// for error responses constructed below the HTTP layer. Tool handlers
// run inside that middleware so the id is always present.
func httpRequestIDOf(ctx context.Context) uuid.UUID {
	return httpserver.RequestIDFromContext(ctx)
}
