package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Respond writes data as a JSON response with the given status code. A
// nil data writes only the status line and headers (used for 204-style
// acknowledgements). Errors encoding the body are logged, not returned —
// the header and status have already gone out by the time Encode runs.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the plain-text error shape used by handlers that
// predate the structured apierrors.Error envelope (spec §6). New code
// should prefer apierrors.Respond; this survives for endpoints outside
// the tool-invocation plane, e.g. internal admin/list endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes an ErrorResponse with the given status code.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{Error: err, Message: message})
}
