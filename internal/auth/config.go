// Package auth implements the Authenticator (spec §4.2): bearer-token
// verification against a cached, rotated key set, and opaque-API-key
// verification via a two-stage hash. It is grounded in the teacher's
// internal/auth package (middleware precedence chain, OIDC verifier,
// PAT/API-key lookup) but re-targets the RBAC role set, the opaque-key
// hash algorithm and the scan cap to spec.md's contract.
package auth

import "time"

// ClaimNames configures which JWT claims carry the Request Context
// fields, defaulting to spec.md's {sub, tenant_id, role}.
type ClaimNames struct {
	Subject  string
	TenantID string
	Role     string
}

// DefaultClaimNames is spec.md §4.2 step 5's default claim mapping.
var DefaultClaimNames = ClaimNames{Subject: "sub", TenantID: "tenant_id", Role: "role"}

// BearerConfig configures the OAuth bearer-token path.
type BearerConfig struct {
	Enabled          bool
	Issuer           string
	JWKSURI          string
	Audience         string          // empty disables audience validation
	Algorithms       []string        // subset of {RS256, ES256}
	Claims           ClaimNames
	UserinfoEndpoint string          // optional; fills missing claims
	JWKSCacheTTL     time.Duration
	Timeout          time.Duration // not read by BearerVerifier, which warns past a fixed 50ms and uses a 5s HTTP client timeout
}

// OpaqueKeyConfig configures the opaque-API-key path.
type OpaqueKeyConfig struct {
	Enabled    bool
	HeaderName string // default X-API-Key
	ScanCap    int    // default 100 (spec §4.2 step 2, B2)
}

// Config is the Authenticator's full configuration (spec §6 "Configuration").
type Config struct {
	Bearer BearerConfig
	Opaque OpaqueKeyConfig
}
