package tools

import "fmt"

// ToolError is a structured error a Handler returns when it needs to
// choose a specific wire error code rather than falling back to the
// registry's generic internal-failure translation. Code values are the
// stable apierrors code strings (e.g. apierrors.CodeValidation) so
// ToAPIError can pass them straight through.
type ToolError struct {
	Code    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewToolError constructs a ToolError.
func NewToolError(code, message string) *ToolError {
	return &ToolError{Code: code, Message: message}
}
