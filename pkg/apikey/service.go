// Package apikey implements the API key / personal access token lifecycle
// (SPEC_FULL.md §4 supplemented features: "original_source only validates
// keys; it does not show issuance, but a coordinator that validates
// opaque keys needs somewhere they come from"). Adapted from the
// teacher's pkg/apikey (Service wrapping a Store, raw-key-shown-once
// Create response) but rewritten against internal/db.Queries instead of
// a private Store, and against internal/auth.HashForStorage's two-stage
// SHA-256-then-bcrypt hash instead of the teacher's bare SHA-256.
//
// Personal access tokens (the teacher's separate pkg/pat) are not a
// distinct storage concept here: internal/auth.OpaqueKeyVerifier
// authenticates both API keys and PATs by scanning the same
// public.api_keys table (spec §4.2: "OpaqueKeyVerifier (API key + PAT,
// two-stage hash)"), so issuing a PAT is just Create with RoleEndUser
// and no tenant-admin-only gate — see IssuePersonalAccessToken below.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lanternforge/ragcore/internal/auth"
	"github.com/lanternforge/ragcore/internal/db"
)

// CreateRequest is the payload for the apikey.create tool.
type CreateRequest struct {
	Role          string `json:"role"`
	ExpiresInDays int    `json:"expires_in_days,omitempty"`
}

// Response is the JSON shape for a single key, never carrying the raw
// secret after creation.
type Response struct {
	ID        uuid.UUID `json:"id"`
	KeyPrefix string    `json:"key_prefix"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	ExpiresAt *int64    `json:"expires_at,omitempty"`
}

// CreateResponse additionally carries the raw key — returned once, at
// creation, and never again (spec §4.2's hash is one-way).
type CreateResponse struct {
	Response
	RawKey string `json:"raw_key"`
}

// Service issues and manages opaque credentials backing
// internal/auth.OpaqueKeyVerifier.
type Service struct {
	queries *db.Queries
	logger  *slog.Logger
}

// NewService creates an apikey Service over the global (public schema)
// query layer.
func NewService(queries *db.Queries, logger *slog.Logger) *Service {
	return &Service{queries: queries, logger: logger}
}

// List returns every key issued to tenantID.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID) ([]Response, error) {
	rows, err := s.queries.ListAPIKeysByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}

	items := make([]Response, 0, len(rows))
	for _, r := range rows {
		items = append(items, toResponse(r))
	}
	return items, nil
}

// Create issues a tenant-scoped API key (spec §4.4 DefaultPolicy: gated
// to TENANT_ADMIN/UBER_ADMIN at the dispatch layer, not here).
func (s *Service) Create(ctx context.Context, tenantID uuid.UUID, req CreateRequest) (CreateResponse, error) {
	return s.create(ctx, tenantID, req)
}

// IssuePersonalAccessToken issues a user-scoped credential. It shares
// storage and verification with Create — see the package doc — and
// defaults to end-user role regardless of what the caller's own role is,
// since a PAT should never grant more than its issuing user already has.
func (s *Service) IssuePersonalAccessToken(ctx context.Context, tenantID uuid.UUID, expiresInDays int) (CreateResponse, error) {
	return s.create(ctx, tenantID, CreateRequest{Role: "end_user", ExpiresInDays: expiresInDays})
}

func (s *Service) create(ctx context.Context, tenantID uuid.UUID, req CreateRequest) (CreateResponse, error) {
	raw, prefix, err := generateRawKey()
	if err != nil {
		return CreateResponse{}, fmt.Errorf("generating api key: %w", err)
	}

	hash, err := auth.HashForStorage(raw)
	if err != nil {
		return CreateResponse{}, fmt.Errorf("hashing api key: %w", err)
	}

	var expiresAt *int64
	if req.ExpiresInDays > 0 {
		t := time.Now().Add(time.Duration(req.ExpiresInDays) * 24 * time.Hour).Unix()
		expiresAt = &t
	}

	id, err := s.queries.CreateAPIKey(ctx, db.CreateAPIKeyParams{
		TenantID:  tenantID,
		KeyPrefix: prefix,
		KeyHash:   hash,
		Role:      req.Role,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return CreateResponse{}, fmt.Errorf("creating api key: %w", err)
	}

	return CreateResponse{
		Response: Response{ID: id, KeyPrefix: prefix, Role: req.Role, Active: true, ExpiresAt: expiresAt},
		RawKey:   raw,
	}, nil
}

// Revoke deactivates a key belonging to tenantID.
func (s *Service) Revoke(ctx context.Context, tenantID, id uuid.UUID) error {
	if err := s.queries.RevokeAPIKey(ctx, id, tenantID); err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	return nil
}

func toResponse(r db.APIKeyRecord) Response {
	return Response{
		ID:        r.ID,
		KeyPrefix: r.KeyPrefix,
		Role:      r.Role,
		Active:    r.Active,
		ExpiresAt: r.ExpiresAt,
	}
}

// generateRawKey returns a random opaque key (prefixed "rc_" for
// "ragcore", matching the teacher's prefix-per-product convention) and a
// short, non-secret display prefix.
func generateRawKey() (raw, prefix string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	raw = "rc_" + hex.EncodeToString(b)
	prefix = raw[:10]
	return raw, prefix, nil
}
