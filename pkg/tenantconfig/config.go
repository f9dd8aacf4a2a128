// Package tenantconfig implements the per-tenant configuration overrides
// SPEC_FULL.md's supplemented features call for: rate-limit and
// tool-allowlist overrides plus the personalization toggle the
// memory.search tool (internal/tools) checks before calling
// internal/ranking. The rate-limit and tool-allowlist overrides are
// stored and returned only; internal/ratelimit and internal/rbac do not
// read them. Adapted from the teacher's
// pkg/tenantconfig (Service/Handler split, Get/Update backed by a
// per-tenant config blob) but re-targeted at Redis rather than a
// Postgres tenants.config column — this workspace's internal/db was
// rebuilt against spec.md's schema, which carries no such column, and no
// migrations/ directory exists in this pack to extend safely.
package tenantconfig

// Config is the tenant-scoped override set (spec §4.10
// "is_personalization_enabled", SPEC_FULL.md §4 supplemented features
// "per-tenant rate-limit/tool-allowlist overrides").
type Config struct {
	PersonalizationEnabled bool     `json:"personalization_enabled"`
	RateLimitPerMinute     int      `json:"rate_limit_per_minute,omitempty"`
	ToolAllowlist          []string `json:"tool_allowlist,omitempty"`
}

// UpdateRequest is the payload for the tenant.config.update tool.
type UpdateRequest struct {
	PersonalizationEnabled *bool    `json:"personalization_enabled,omitempty"`
	RateLimitPerMinute     *int     `json:"rate_limit_per_minute,omitempty"`
	ToolAllowlist          []string `json:"tool_allowlist,omitempty"`
}

// Response is the JSON shape returned by tenant.config.get/update.
type Response struct {
	Config
	UpdatedAt string `json:"updated_at,omitempty"`
}
