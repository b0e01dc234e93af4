// Package status contains the error returned to API users.
package status

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorInfo contains error information to be returned to the user. The
// contents of the error MUST only contain user visible state, never internal
// details.
//
// ErrorInfo is encoded in response bodies as '{"error": <message>}'.
type ErrorInfo struct {
	// StatusCode contains the HTTP status code.
	StatusCode int `json:"-"`

	// Message contains the error message to return to the user.
	Message string `json:"error"`
}

func NewErrorInfo(statusCode int, message string) *ErrorInfo {
	return &ErrorInfo{
		StatusCode: statusCode,
		Message:    message,
	}
}

func (e *ErrorInfo) Error() string {
	if e.Message == "" {
		return fmt.Sprintf(
			"%s (%d)",
			strings.ToLower(http.StatusText(e.StatusCode)),
			e.StatusCode,
		)
	}
	return fmt.Sprintf(
		"%s (%d): %s",
		strings.ToLower(http.StatusText(e.StatusCode)),
		e.StatusCode,
		e.Message,
	)
}
