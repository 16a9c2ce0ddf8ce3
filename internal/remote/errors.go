package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoAPIKey indicates a call was attempted before the downstream sync
// delivered the tenant's API key. No network I/O happens in this case.
var ErrNoAPIKey = errors.New("remote: no api key configured")

// StatusError indicates the client system responded with a non-2xx status.
// Body holds up to maxErrorBodyBytes of the response for diagnostics.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status indicates a transient server-side
// condition. 429 and 5xx are retryable; any other 4xx means the request
// itself is bad and repeating it cannot help.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable classifies an upload error. Transport-level failures (no
// HTTP status at all) are always retryable; rejected requests are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoAPIKey) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}
