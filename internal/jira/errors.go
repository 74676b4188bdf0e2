package jira

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuthFailed indicates the credentials were rejected (401/403). Fatal for
// the current pass; repeated occurrences deactivate the integration.
var ErrAuthFailed = errors.New("jira: authentication failed")

// RateLimitError indicates a 429 response. RetryAfter carries the
// provider-specified delay, or zero when the header was absent.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("jira: rate limited, retry after %s", e.RetryAfter)
	}
	return "jira: rate limited"
}

// APIError is a non-auth, non-rate-limit error response from Jira.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira: unexpected status %d: %s", e.StatusCode, e.Body)
}

// IsRateLimited reports whether err is (or wraps) a RateLimitError.
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
