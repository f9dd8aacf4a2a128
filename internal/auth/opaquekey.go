package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/lanternforge/ragcore/internal/db"
	"github.com/lanternforge/ragcore/internal/reqctx"
)

// DefaultScanCap is spec §4.2 step 2 / §8 B2's K.
const DefaultScanCap = 100

// OpaqueKeyVerifier implements the two-stage opaque-key hash (spec
// §4.2's opaque-key path): a SHA-256 normalizing digest, then a
// constant-time bcrypt-class compare, so a key of any length stays
// under bcrypt's 72-byte input cap. Grounded on
// original_source/app/utils/hashing.py; the teacher's own pat.go/apikey.go
// only did a bare SHA-256 equality check, which this replaces.
type OpaqueKeyVerifier struct {
	queries *db.Queries
	scanCap int
}

// NewOpaqueKeyVerifier builds a verifier over the given query layer.
func NewOpaqueKeyVerifier(q *db.Queries, scanCap int) *OpaqueKeyVerifier {
	if scanCap <= 0 {
		scanCap = DefaultScanCap
	}
	return &OpaqueKeyVerifier{queries: q, scanCap: scanCap}
}

// HashForStorage returns the bcrypt hash to persist for a freshly issued
// opaque key (used by the API key / PAT issuance services, never by the
// verify path itself).
func HashForStorage(rawKey string) (string, error) {
	digest := sha256Hex(rawKey)
	hashed, err := bcrypt.GenerateFromPassword([]byte(digest), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing opaque key: %w", err)
	}
	return string(hashed), nil
}

func sha256Hex(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Verify resolves rawKey to an identity by scanning at most scanCap
// active, non-expired key records (spec §4.2 step 2 — a bounded scan,
// not an indexed hash lookup, since bcrypt hashes are salted and cannot
// be looked up by value) and comparing each with the constant-time
// bcrypt verifier. The first match wins; keys beyond the cap are never
// considered (spec B2).
func (v *OpaqueKeyVerifier) Verify(ctx context.Context, rawKey string) (*Result, error) {
	if rawKey == "" {
		return nil, &SubCaseError{SubCase: "key_not_found", Err: fmt.Errorf("empty opaque key")}
	}

	digest := sha256Hex(rawKey)

	candidates, err := v.queries.ListActiveAPIKeys(ctx, v.scanCap)
	if err != nil {
		return nil, fmt.Errorf("listing candidate keys: %w", err)
	}

	var matched *db.APIKeyRecord
	for i := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(candidates[i].KeyHash), []byte(digest)) == nil {
			matched = &candidates[i]
			break
		}
	}
	if matched == nil {
		return nil, &SubCaseError{SubCase: "key_not_found", Err: fmt.Errorf("no matching active key")}
	}

	// Resolve the reference-design authorization principal: the first
	// user of the key's tenant (spec §4.2 step 5).
	user, err := v.queries.FirstUserOfTenant(ctx, matched.TenantID)
	if err != nil {
		return nil, &SubCaseError{SubCase: "user_not_resolvable", Err: err}
	}

	go func() {
		_ = v.queries.UpdateAPIKeyLastUsed(context.Background(), matched.ID)
	}()

	role := NormalizeRole(matched.Role)
	if !role.IsValid() {
		role = NormalizeRole(user.Role)
	}
	if !role.IsValid() {
		role = reqctx.RoleEndUser
	}

	return &Result{
		UserID:   user.ID,
		TenantID: matched.TenantID,
		Role:     role,
		Method:   reqctx.AuthOpaqueKey,
	}, nil
}
