package tenant

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lanternforge/ragcore/internal/apierrors"
	"github.com/lanternforge/ragcore/internal/auth"
	"github.com/lanternforge/ragcore/internal/db"
	"github.com/lanternforge/ragcore/internal/reqctx"
)

// Middleware resolves and validates the tenant claimed by the
// Authenticator (spec §4.3):
//
//  1. UBER_ADMIN is exempt from membership validation (invariant I3) and
//     may act against any tenant named in the token.
//  2. Every other caller's user row must belong to the claimed tenant;
//     a mismatch is an ERROR-003 tenant isolation failure, not a 404 —
//     the request is rejected before any tenant data is touched.
//  3. A dedicated connection is acquired and its search_path is scoped
//     to tenant_{slug}, public so every query issued downstream without
//     an explicit schema qualifier stays inside the tenant's data.
//  4. The final, complete reqctx.Context is established for the
//     remainder of the pipeline (RBAC, rate limiting, audit, handler).
func Middleware(pool *pgxpool.Pool, requestIDOf func(*http.Request) uuid.UUID, logger *slog.Logger) func(http.Handler) http.Handler {
	q := db.New(pool)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := requestIDOf(r)
			ctx := r.Context()

			result, ok := auth.ResultFromContext(ctx)
			if !ok {
				apierrors.Respond(w, apierrors.TenantIsolation(requestID, "no authenticated identity to extract a tenant from"))
				return
			}

			t, err := q.GetTenant(ctx, result.TenantID)
			if err != nil {
				logger.Warn("tenant lookup failed", "tenant_id", result.TenantID, "error", err, "request_id", requestID)
				apierrors.Respond(w, apierrors.TenantIsolation(requestID, "unknown tenant"))
				return
			}

			if result.Role != reqctx.RoleUberAdmin {
				u, err := q.GetUserByID(ctx, result.UserID)
				if err != nil || u.TenantID != result.TenantID {
					logger.Warn("tenant membership check failed",
						"user_id", result.UserID, "claimed_tenant_id", result.TenantID, "request_id", requestID)
					apierrors.Respond(w, apierrors.TenantIsolation(requestID, "caller does not belong to the claimed tenant"))
					return
				}
			}

			schema := SchemaName(t.Slug)

			conn, err := pool.Acquire(ctx)
			if err != nil {
				logger.Error("acquiring tenant-scoped connection", "error", err, "request_id", requestID)
				apierrors.Respond(w, apierrors.ServiceUnavailable(requestID, "postgres", "database connection unavailable"))
				return
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", schema+", public"); err != nil {
				logger.Error("scoping search_path", "schema", schema, "error", err, "request_id", requestID)
				apierrors.Respond(w, apierrors.ServiceUnavailable(requestID, "postgres", "database configuration error"))
				return
			}

			info := &Info{ID: t.ID, Name: t.Name, Slug: t.Slug, Schema: schema}
			ctx = NewContext(ctx, info)
			ctx = NewConnContext(ctx, conn)
			ctx = reqctx.New(ctx, reqctx.Context{
				TenantID:   result.TenantID,
				UserID:     result.UserID,
				Role:       result.Role,
				AuthMethod: result.Method,
			})

			logger.Debug("tenant extracted", "tenant_id", t.ID, "slug", t.Slug, "request_id", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
