package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/lanternforge/ragcore/internal/apierrors"
	"github.com/lanternforge/ragcore/internal/db"
)

// Authenticator runs the two credential paths spec §4.2 defines, in the
// order it specifies: "OAuth is attempted first when both headers exist;
// on AuthenticationError of a specific token, the authenticator tries the
// opaque-key path. A missing configuration disables each path
// independently." Grounded on the teacher's middleware.go precedence
// chain (Bearer -> PAT -> session JWT -> OIDC JWT -> X-API-Key), reduced
// to the two paths spec.md actually names.
type Authenticator struct {
	bearer *BearerVerifier
	opaque *OpaqueKeyVerifier
	header string
}

// New builds an Authenticator from cfg and the query layer opaque-key
// verification reads candidates from. Either path may end up disabled
// (cfg.Bearer.Enabled == false, or cfg.Opaque.Enabled == false); at least
// one enabled path is the caller's responsibility to ensure at startup.
func New(cfg Config, q *db.Queries) *Authenticator {
	header := cfg.Opaque.HeaderName
	if header == "" {
		header = "X-API-Key"
	}

	a := &Authenticator{header: header}
	a.bearer = NewBearerVerifier(cfg.Bearer)
	if cfg.Opaque.Enabled {
		a.opaque = NewOpaqueKeyVerifier(q, cfg.Opaque.ScanCap)
	}
	return a
}

// ErrNoCredential is returned when a request carries neither an
// Authorization bearer header nor the configured opaque-key header.
var ErrNoCredential = errors.New("no credential presented")

// Authenticate extracts and verifies whichever credential r carries,
// producing the partial Request Context (everything except the fields
// the Tenant Extractor still has to confirm).
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Result, error) {
	bearerToken, hasBearer := extractBearer(r)
	opaqueKey, hasOpaque := extractOpaque(r, a.header)

	var bearerErr error
	if hasBearer && a.bearer != nil {
		res, err := a.bearer.Verify(ctx, bearerToken)
		if err == nil {
			return res, nil
		}
		bearerErr = err
	}

	if hasOpaque && a.opaque != nil {
		res, err := a.opaque.Verify(ctx, opaqueKey)
		if err == nil {
			return res, nil
		}
		if bearerErr != nil {
			return nil, bearerErr
		}
		return nil, err
	}

	if bearerErr != nil {
		return nil, bearerErr
	}
	if hasBearer && a.bearer == nil {
		return nil, &SubCaseError{SubCase: "path_disabled", Err: fmt.Errorf("bearer authentication is not configured")}
	}
	if hasOpaque && a.opaque == nil {
		return nil, &SubCaseError{SubCase: "path_disabled", Err: fmt.Errorf("opaque API key authentication is not configured")}
	}
	return nil, ErrNoCredential
}

func extractBearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):]), true
	}
	return "", false
}

func extractOpaque(r *http.Request, header string) (string, bool) {
	v := r.Header.Get(header)
	if v == "" {
		return "", false
	}
	return v, true
}

// ToAPIError translates an Authenticate failure into the spec's AUTH-001
// envelope, attaching the sub-case as a detail.
func ToAPIError(requestID uuid.UUID, err error) *apierrors.Error {
	subCase := "unknown"
	var sce *SubCaseError
	if errors.As(err, &sce) {
		subCase = sce.SubCase
	} else if errors.Is(err, ErrNoCredential) {
		subCase = "no_credential"
	}
	return apierrors.Authentication(requestID, subCase, err.Error())
}
