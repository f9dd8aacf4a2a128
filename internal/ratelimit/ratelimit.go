// Package ratelimit implements the per-tenant sliding-window rate
// limiter (spec §4.5), a direct Go expression of
// original_source/app/mcp/middleware/rate_limit.py's check_rate_limit:
// a Redis sorted set keyed per tenant, scored by request timestamp,
// trimmed to the current window on every check. Redis unavailability
// fails open, matching the original's except-and-allow behavior.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lanternforge/ragcore/internal/apierrors"
	"github.com/lanternforge/ragcore/internal/reqctx"
	"github.com/lanternforge/ragcore/internal/telemetry"
	"github.com/lanternforge/ragcore/internal/tenantkeys"
)

// DefaultLimit and DefaultWindow match settings.rate_limit_per_minute /
// rate_limit_window_seconds's defaults in the reference implementation.
const (
	DefaultLimit  = 1000
	DefaultWindow = 60 * time.Second
)

// Result is the outcome of a single rate-limit check.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter enforces a sliding-window request cap per tenant.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// New builds a Limiter. A zero limit or window falls back to the
// reference defaults.
func New(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{rdb: rdb, limit: limit, window: window}
}

// Check runs the sliding-window algorithm for tenantID: trim entries
// older than the window, count what remains, and — if under the limit —
// record this request. A Redis error fails open (spec §4.5: "the
// limiter fails open on a store error rather than blocking traffic").
func (l *Limiter) Check(ctx context.Context, tenantID uuid.UUID) Result {
	key := tenantkeys.RateLimit(tenantID, "tenant")
	now := time.Now()
	windowStart := now.Add(-l.window)

	if err := l.rdb.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.Unix(), 10)).Err(); err != nil {
		return l.failOpen(now)
	}

	count, err := l.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return l.failOpen(now)
	}

	if int(count) >= l.limit {
		resetAt := now.Add(l.window)
		if oldest, err := l.rdb.ZRangeWithScores(ctx, key, 0, 0).Result(); err == nil && len(oldest) > 0 {
			resetAt = time.Unix(int64(oldest[0].Score), 0).Add(l.window)
		}
		retryAfter := time.Until(resetAt)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfter: retryAfter}
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()
	pipe := l.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.Expire(ctx, key, l.window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return l.failOpen(now)
	}

	resetAt := now.Add(l.window)
	if oldest, err := l.rdb.ZRangeWithScores(ctx, key, 0, 0).Result(); err == nil && len(oldest) > 0 {
		resetAt = time.Unix(int64(oldest[0].Score), 0).Add(l.window)
	}

	return Result{
		Allowed:   true,
		Remaining: l.limit - int(count) - 1,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) failOpen(now time.Time) Result {
	return Result{Allowed: true, Remaining: l.limit - 1, ResetAt: now.Add(l.window)}
}

// Middleware runs Check for the ambient tenant and rejects with
// ERROR-004 on violation (spec §5 pipeline position: after Authorize,
// before Audit(pre)).
func Middleware(l *Limiter, requestIDOf func(*http.Request) uuid.UUID) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := reqctx.TenantID(r.Context())
			if tenantID == uuid.Nil {
				next.ServeHTTP(w, r)
				return
			}

			res := l.Check(r.Context(), tenantID)
			if !res.Allowed {
				telemetry.RateLimitDecisionsTotal.WithLabelValues("rejected").Inc()
				requestID := requestIDOf(r)
				apierrors.Respond(w, apierrors.RateLimitExceeded(requestID, int(res.RetryAfter.Seconds())))
				return
			}
			telemetry.RateLimitDecisionsTotal.WithLabelValues("allowed").Inc()

			next.ServeHTTP(w, r)
		})
	}
}
