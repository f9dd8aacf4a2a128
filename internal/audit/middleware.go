package audit

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// statusRecorder captures the status code a downstream handler wrote so
// Middleware can classify the outcome without the handler reporting it
// explicitly.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware wraps a tool dispatch handler with the Audit(pre)/Audit(post)
// pair spec §5's pipeline requires immediately before and after the
// handler step. toolNameOf and resourceIDOf read the invoked tool name
// and the resource it addresses off the request; resourceIDOf may return
// "" when no single resource id applies.
//
// If the request's context is cancelled while the handler runs (client
// disconnect, deadline), Audit(post) still fires, recorded as a failure
// with reason "cancelled" rather than being skipped (spec §5: "no step
// skippable/reorderable").
func Middleware(writer *Writer, toolNameOf func(*http.Request) string, resourceIDOf func(*http.Request) string, requestIDOf func(*http.Request) uuid.UUID) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := requestIDOf(r)
			tool := toolNameOf(r)
			resourceID := resourceIDOf(r)

			writer.LogPre(r.Context(), requestID, tool, resourceID, nil)

			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)

			success := sr.status < http.StatusBadRequest
			var details json.RawMessage
			if err := r.Context().Err(); err != nil {
				success = false
				details, _ = json.Marshal(map[string]string{"reason": "cancelled"})
			}

			writer.LogPost(r.Context(), requestID, tool, resourceID, success, details)
		})
	}
}
