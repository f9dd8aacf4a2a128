package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lanternforge/ragcore/internal/telemetry"
)

type requestIDKeyType struct{}

var requestIDKey requestIDKeyType

// RequestID reads X-Request-ID from the inbound request, generating one
// if absent, and stamps it onto both the response header and the
// context every downstream stage reads from (spec §4.1: every event —
// response, audit pre/post pair — carries the same request id).
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		parsed, err := uuid.Parse(id)
		if err != nil {
			parsed = uuid.New()
		}
		w.Header().Set("X-Request-ID", parsed.String())
		ctx := context.WithValue(r.Context(), requestIDKey, parsed)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext extracts the request id stamped by RequestID,
// generating a fresh one if the middleware was somehow skipped.
func RequestIDFromContext(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(requestIDKey).(uuid.UUID); ok {
		return id
	}
	return uuid.New()
}

// RequestIDOf is the function shape the auth/tenant/rbac/ratelimit
// middlewares accept to read the ambient request id off *http.Request.
func RequestIDOf(r *http.Request) uuid.UUID {
	return RequestIDFromContext(r.Context())
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Logger logs one line per request: method, path, status, duration, and
// the ambient request id, the way the teacher's core middleware does.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFromContext(r.Context()).String(),
			)
		})
	}
}

// Metrics records the http_request_duration_seconds histogram keyed by
// the chi-resolved route pattern (so /tools/{name} doesn't explode into
// one series per tool name).
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		telemetry.HTTPRequestDuration.WithLabelValues(r.Method, pattern, statusClassLabel(sw.status)).
			Observe(time.Since(start).Seconds())
	})
}

func statusClassLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// RegisterMetrics adds this package's collector
// (telemetry.HTTPRequestDuration) to reg. telemetry.All() already
// includes that collector, so a registry built from telemetry.All()
// must not also be passed here: MustRegister panics on the duplicate.
func RegisterMetrics(reg *prometheus.Registry) {
	reg.MustRegister(telemetry.HTTPRequestDuration)
}
