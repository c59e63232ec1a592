package ds

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedResponse is wrapped by transports when a response body
	// could not be turned into a PollResponse.
	ErrMalformedResponse = errors.New("malformed long-poll response")
)

// HTTPStatusError carries a non-success status code returned by the server.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}
