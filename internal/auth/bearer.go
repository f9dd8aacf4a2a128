package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/lanternforge/ragcore/internal/jwks"
	"github.com/lanternforge/ragcore/internal/reqctx"
)

var bearerAlgorithms = map[string]jose.SignatureAlgorithm{
	"RS256": jose.RS256,
	"ES256": jose.ES256,
}

// Result is the Request Context the Authenticator produces, minus the
// fields the Tenant Extractor still has to validate (spec §4.2: "a
// Request Context, less the post-tenant fields").
type Result struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
	Role     reqctx.Role
	Method   reqctx.AuthMethod
}

// BearerVerifier validates the OAuth bearer-token path.
type BearerVerifier struct {
	cfg        BearerConfig
	jwks       *jwks.Cache
	httpClient *http.Client
}

// NewBearerVerifier builds a verifier for cfg. Returns nil if the path
// is disabled; the Authenticator checks for a nil verifier before use.
func NewBearerVerifier(cfg BearerConfig) *BearerVerifier {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Claims == (ClaimNames{}) {
		cfg.Claims = DefaultClaimNames
	}
	return &BearerVerifier{
		cfg:        cfg,
		jwks:       jwks.New(cfg.JWKSURI, cfg.JWKSCacheTTL),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// allowedAlgs returns the jose algorithms this verifier accepts.
func (v *BearerVerifier) allowedAlgs() []jose.SignatureAlgorithm {
	algs := v.cfg.Algorithms
	if len(algs) == 0 {
		algs = []string{"RS256", "ES256"}
	}
	out := make([]jose.SignatureAlgorithm, 0, len(algs))
	for _, a := range algs {
		if sa, ok := bearerAlgorithms[a]; ok {
			out = append(out, sa)
		}
	}
	return out
}

// Verify validates rawToken (already stripped of "Bearer ") and returns
// the claimed identity. Errors are sub-cases of AUTH-001 (spec §4.2):
// "invalid_signature", "expired", "unknown_kid", "claim_missing".
func (v *BearerVerifier) Verify(ctx context.Context, rawToken string) (*Result, error) {
	start := time.Now()
	defer func() {
		if d := time.Since(start); d > 50*time.Millisecond {
			// Authenticator cost exceeded spec's 50ms target; this is a
			// logged warning, not a hard failure.
			slog.Warn("bearer authentication exceeded 50ms budget", "duration_ms", d.Milliseconds())
		}
	}()

	tok, err := jwt.ParseSigned(rawToken, v.allowedAlgs())
	if err != nil {
		return nil, &SubCaseError{SubCase: "invalid_signature", Err: err}
	}

	if len(tok.Headers) == 0 || tok.Headers[0].KeyID == "" {
		return nil, &SubCaseError{SubCase: "unknown_kid", Err: fmt.Errorf("token has no kid")}
	}
	kid := tok.Headers[0].KeyID

	key, ok, err := v.jwks.Key(ctx, kid)
	if err != nil || !ok {
		// Single-flight refresh already happened inside Key(); a second
		// miss is a hard failure (spec B1: "cache refreshed once per
		// request attempt; second miss → 401").
		return nil, &SubCaseError{SubCase: "unknown_kid", Err: fmt.Errorf("kid %q not found in key set", kid)}
	}

	var registered jwt.Claims
	raw := map[string]any{}
	if err := tok.Claims(key.Key, &registered, &raw); err != nil {
		return nil, &SubCaseError{SubCase: "invalid_signature", Err: err}
	}

	expected := jwt.Expected{Time: time.Now()}
	if v.cfg.Issuer != "" {
		expected.Issuer = v.cfg.Issuer
	}
	if v.cfg.Audience != "" {
		expected.Audience = jwt.Audience{v.cfg.Audience}
	}
	if err := registered.ValidateWithLeeway(expected, 5*time.Second); err != nil {
		if err == jwt.ErrExpired {
			return nil, &SubCaseError{SubCase: "expired", Err: err}
		}
		return nil, &SubCaseError{SubCase: "invalid_signature", Err: err}
	}

	sub, _ := raw[v.cfg.Claims.Subject].(string)
	tenantRaw, _ := raw[v.cfg.Claims.TenantID].(string)
	roleRaw, _ := raw[v.cfg.Claims.Role].(string)

	if sub == "" || tenantRaw == "" {
		if v.cfg.UserinfoEndpoint != "" {
			sub, tenantRaw, roleRaw = v.fillFromUserinfo(ctx, rawToken, sub, tenantRaw, roleRaw)
		}
	}

	if sub == "" || tenantRaw == "" {
		return nil, &SubCaseError{SubCase: "claim_missing", Err: fmt.Errorf("required claim missing")}
	}

	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, &SubCaseError{SubCase: "claim_missing", Err: fmt.Errorf("sub claim is not a UUID: %w", err)}
	}
	tenantID, err := uuid.Parse(tenantRaw)
	if err != nil {
		return nil, &SubCaseError{SubCase: "claim_missing", Err: fmt.Errorf("tenant_id claim is not a UUID: %w", err)}
	}

	role := NormalizeRole(roleRaw)
	if !role.IsValid() {
		role = reqctx.RoleEndUser
	}

	return &Result{UserID: userID, TenantID: tenantID, Role: role, Method: reqctx.AuthOAuthBearer}, nil
}

// fillFromUserinfo calls the configured userinfo endpoint to fill claims
// a token omitted (spec §4.2 step 5).
func (v *BearerVerifier) fillFromUserinfo(ctx context.Context, rawToken, sub, tenant, role string) (string, string, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.UserinfoEndpoint, nil)
	if err != nil {
		return sub, tenant, role
	}
	req.Header.Set("Authorization", "Bearer "+rawToken)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return sub, tenant, role
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return sub, tenant, role
	}

	var profile map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return sub, tenant, role
	}

	if sub == "" {
		sub, _ = profile[v.cfg.Claims.Subject].(string)
	}
	if tenant == "" {
		tenant, _ = profile[v.cfg.Claims.TenantID].(string)
	}
	if role == "" {
		role, _ = profile[v.cfg.Claims.Role].(string)
	}
	return sub, tenant, role
}

// NormalizeRole maps an arbitrary claim/header role string onto the
// canonical reqctx.Role casing (spec roles are upper-snake-case; tokens
// in the wild commonly send lower-snake or mixed case).
func NormalizeRole(raw string) reqctx.Role {
	return reqctx.Role(strings.ToUpper(strings.TrimSpace(raw)))
}

// SubCaseError tags an authentication failure with the §4.2 sub-case
// name, which becomes apierrors detail "sub_case".
type SubCaseError struct {
	SubCase string
	Err     error
}

func (e *SubCaseError) Error() string { return e.SubCase + ": " + e.Err.Error() }
func (e *SubCaseError) Unwrap() error { return e.Err }
