package earthengine

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrNotImplemented = errors.New("not implemented")

// HTTPError is a non-2xx answer from the REST API or a download URL.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request failed with status %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func statusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// IsTooManyRequests reports whether err is a 429 answer.
func IsTooManyRequests(err error) bool {
	return statusOf(err) == http.StatusTooManyRequests
}

// IsTransient reports whether err is a 429, 500 or 503 answer.
func IsTransient(err error) bool {
	switch statusOf(err) {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
		return true
	}
	return false
}
