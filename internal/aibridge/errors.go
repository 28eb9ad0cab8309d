package aibridge

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork covers an unreachable relay or endpoint and non-2xx
	// responses. Requests are never retried.
	ErrNetwork = errors.New("aibridge: network failure")

	// ErrExtraction means the response did not have the expected shape.
	ErrExtraction = errors.New("aibridge: unexpected response shape")
)

// HTTPStatusError is returned for non-2xx responses from the relay or the
// endpoint.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("aibridge: %s returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("aibridge: %s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *HTTPStatusError) Unwrap() error {
	return ErrNetwork
}
