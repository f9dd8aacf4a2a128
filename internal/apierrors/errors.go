// Package apierrors implements the single structured error shape used
// across the request plane (spec §3 Structured Error, §7 taxonomy).
// Every boundary — middleware, tool handlers, the memory coordinator —
// returns one of these rather than letting a language-native error
// escape to the transport.
package apierrors

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// Stable error codes. These strings are part of the wire contract and
// must never change once published.
const (
	CodeAuthentication     = "AUTH-001"
	CodeAuthorization      = "AUTH-002"
	CodeTenantIsolation    = "ERROR-003"
	CodeRateLimitExceeded  = "ERROR-004"
	CodeMemoryAccess       = "DATA-002"
	CodeResourceNotFound   = "RESOURCE-001"
	CodeValidation         = "VALIDATION-001"
	CodeServiceUnavailable = "SERVICE-001"
	CodeUnknown            = "UNKNOWN-000"
)

// statusClass maps each stable code to the HTTP status class §6 requires.
var statusClass = map[string]int{
	CodeAuthentication:     http.StatusUnauthorized,
	CodeAuthorization:      http.StatusForbidden,
	CodeTenantIsolation:    http.StatusForbidden,
	CodeRateLimitExceeded:  http.StatusTooManyRequests,
	CodeMemoryAccess:       http.StatusForbidden,
	CodeResourceNotFound:   http.StatusNotFound,
	CodeValidation:         http.StatusBadRequest,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
	CodeUnknown:            http.StatusInternalServerError,
}

// Error is the immutable structured error described in spec §3. It
// implements the error interface so it composes with %w/errors.Is chains
// at call sites that still want Go-native wrapping internally.
type Error struct {
	Code                string         `json:"code"`
	Message             string         `json:"message"`
	Details             map[string]any `json:"details,omitempty"`
	RecoverySuggestions []string       `json:"recovery_suggestions,omitempty"`
	RequestID           uuid.UUID      `json:"request_id"`
	StatusClass         int            `json:"-"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// New constructs an Error for a stable code. requestID should come from
// the ambient request (see internal/httpserver), not generated ad hoc,
// so pre- and post- audit events and the response body all agree.
func New(code, message string, requestID uuid.UUID) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Details:     map[string]any{},
		RequestID:   requestID,
		StatusClass: statusClassFor(code),
	}
}

func statusClassFor(code string) int {
	if sc, ok := statusClass[code]; ok {
		return sc
	}
	return http.StatusInternalServerError
}

// WithDetail attaches a structured detail field and returns the receiver
// for chaining at the construction site.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// WithRecovery appends recovery suggestions surfaced to the caller.
func (e *Error) WithRecovery(suggestions ...string) *Error {
	e.RecoverySuggestions = append(e.RecoverySuggestions, suggestions...)
	return e
}

// Authentication builds an AUTH-001 error with the §4.2 sub-case tag.
func Authentication(requestID uuid.UUID, subCase, message string) *Error {
	return New(CodeAuthentication, message, requestID).WithDetail("sub_case", subCase)
}

// Authorization builds an AUTH-002 error for a denied tool invocation.
func Authorization(requestID uuid.UUID, role, tool string) *Error {
	return New(CodeAuthorization, "role is not permitted to invoke this tool", requestID).
		WithDetail("role", role).WithDetail("tool", tool)
}

// TenantIsolation builds an ERROR-003 error for missing tenant context,
// membership failure, or a cross-tenant key observed during a read.
func TenantIsolation(requestID uuid.UUID, message string) *Error {
	return New(CodeTenantIsolation, message, requestID)
}

// RateLimitExceeded builds an ERROR-004 error carrying retry_after.
func RateLimitExceeded(requestID uuid.UUID, retryAfterSeconds int) *Error {
	return New(CodeRateLimitExceeded, "rate limit exceeded", requestID).
		WithDetail("retry_after", retryAfterSeconds).
		WithRecovery("retry after the indicated number of seconds")
}

// MemoryAccess builds a DATA-002 error for a cross-user memory operation
// attempted without TENANT_ADMIN/UBER_ADMIN elevation.
func MemoryAccess(requestID uuid.UUID, targetUserID uuid.UUID) *Error {
	return New(CodeMemoryAccess, "caller is not permitted to access this user's memory", requestID).
		WithDetail("target_user_id", targetUserID.String())
}

// ResourceNotFound builds a RESOURCE-001 error.
func ResourceNotFound(requestID uuid.UUID, resourceType, resourceID string) *Error {
	return New(CodeResourceNotFound, resourceType+" not found", requestID).
		WithDetail("resource_type", resourceType).WithDetail("resource_id", resourceID)
}

// Validation builds a VALIDATION-001 error for a malformed input field.
func Validation(requestID uuid.UUID, field, message string) *Error {
	return New(CodeValidation, message, requestID).WithDetail("field", field)
}

// ServiceUnavailable builds a SERVICE-001 error for a dependency failure
// with no available fallback.
func ServiceUnavailable(requestID uuid.UUID, dependency, message string) *Error {
	return New(CodeServiceUnavailable, message, requestID).WithDetail("dependency", dependency)
}

// envelope is the wire shape from spec §6.
type envelope struct {
	Error struct {
		Code                string         `json:"code"`
		Message             string         `json:"message"`
		Details             map[string]any `json:"details"`
		RecoverySuggestions []string       `json:"recovery_suggestions"`
		RequestID           string         `json:"request_id"`
	} `json:"error"`
	StatusCode int `json:"status_code"`
}

// Respond writes e to w as the §6 error envelope. 5xx responses never
// leak internal text: their message is replaced by a generic phrase,
// while the code, details, recovery suggestions and request id are sent
// as built.
func Respond(w http.ResponseWriter, e *Error) {
	status := e.StatusClass
	if status == 0 {
		status = http.StatusInternalServerError
	}

	var env envelope
	env.Error.Code = e.Code
	env.Error.Details = e.Details
	env.Error.RecoverySuggestions = e.RecoverySuggestions
	env.Error.RequestID = e.RequestID.String()
	env.StatusCode = status

	if status >= 500 {
		env.Error.Message = "an internal error occurred"
	} else {
		env.Error.Message = e.Message
	}

	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusTooManyRequests {
		if ra, ok := e.Details["retry_after"]; ok {
			w.Header().Set("Retry-After", jsonNumberString(ra))
		}
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func jsonNumberString(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
