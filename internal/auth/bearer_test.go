package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

func newTestJWKSServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
}

func signTestToken(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]any, registered jwt.Claims) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid),
	)
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}
	tok, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return tok
}

func TestBearerVerifierVerifiesValidToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	const kid = "test-key-1"
	srv := newTestJWKSServer(t, key, kid)
	defer srv.Close()

	userID := uuid.New()
	tenantID := uuid.New()
	now := time.Now()
	raw := signTestToken(t, key, kid, map[string]any{
		"sub":       userID.String(),
		"tenant_id": tenantID.String(),
		"role":      "tenant_admin",
	}, jwt.Claims{
		Issuer:   "https://issuer.example",
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
	})

	v := NewBearerVerifier(BearerConfig{
		Enabled: true,
		Issuer:  "https://issuer.example",
		JWKSURI: srv.URL,
	})

	result, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.UserID != userID {
		t.Errorf("UserID = %v, want %v", result.UserID, userID)
	}
	if result.TenantID != tenantID {
		t.Errorf("TenantID = %v, want %v", result.TenantID, tenantID)
	}
	if result.Role != "TENANT_ADMIN" {
		t.Errorf("Role = %v, want TENANT_ADMIN", result.Role)
	}
}

func TestBearerVerifierRejectsExpiredToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	const kid = "test-key-2"
	srv := newTestJWKSServer(t, key, kid)
	defer srv.Close()

	now := time.Now()
	raw := signTestToken(t, key, kid, map[string]any{
		"sub":       uuid.New().String(),
		"tenant_id": uuid.New().String(),
		"role":      "end_user",
	}, jwt.Claims{
		IssuedAt: jwt.NewNumericDate(now.Add(-2 * time.Hour)),
		Expiry:   jwt.NewNumericDate(now.Add(-time.Hour)),
	})

	v := NewBearerVerifier(BearerConfig{Enabled: true, JWKSURI: srv.URL})

	_, err = v.Verify(context.Background(), raw)
	if err == nil {
		t.Fatal("expected expired token to be rejected")
	}
	var sce *SubCaseError
	if !asSubCaseError(err, &sce) {
		t.Fatalf("error is not a SubCaseError: %v", err)
	}
	if sce.SubCase != "expired" {
		t.Errorf("SubCase = %q, want expired", sce.SubCase)
	}
}

func TestBearerVerifierRejectsUnknownKid(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	srv := newTestJWKSServer(t, key, "server-key")
	defer srv.Close()

	raw := signTestToken(t, key, "client-thinks-its-this-key", map[string]any{
		"sub":       uuid.New().String(),
		"tenant_id": uuid.New().String(),
	}, jwt.Claims{IssuedAt: jwt.NewNumericDate(time.Now()), Expiry: jwt.NewNumericDate(time.Now().Add(time.Hour))})

	v := NewBearerVerifier(BearerConfig{Enabled: true, JWKSURI: srv.URL})

	_, err = v.Verify(context.Background(), raw)
	if err == nil {
		t.Fatal("expected unknown kid to be rejected")
	}
}

func TestNewBearerVerifierDisabled(t *testing.T) {
	if v := NewBearerVerifier(BearerConfig{Enabled: false}); v != nil {
		t.Errorf("NewBearerVerifier with Enabled=false = %v, want nil", v)
	}
}

func asSubCaseError(err error, target **SubCaseError) bool {
	sce, ok := err.(*SubCaseError)
	if !ok {
		return false
	}
	*target = sce
	return true
}
