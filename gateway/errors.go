package gateway

import (
	"encoding/json"
	"fmt"
)

// HTTPError is a structured failure for non-402, non-2xx gateway responses.
// It carries enough request context for the caller to decide retryability.
type HTTPError struct {
	Status int
	Method string
	Path   string
	Body   []byte
	// ParsedError is the gateway's error message when the body carried one.
	ParsedError string
}

func newHTTPError(method, path string, status int, body []byte) *HTTPError {
	e := &HTTPError{
		Status: status,
		Method: method,
		Path:   path,
		Body:   body,
	}
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error != "" {
			e.ParsedError = parsed.Error
		} else {
			e.ParsedError = parsed.Message
		}
	}
	return e
}

func (e *HTTPError) Error() string {
	if e.ParsedError != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.ParsedError)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
}

// HTTPStatus exposes the status code for retry classification.
func (e *HTTPError) HTTPStatus() int {
	return e.Status
}
