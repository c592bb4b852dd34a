package spotify

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors.
var (
	// ErrUpstreamAuth is wrapped by every AuthError.
	ErrUpstreamAuth = errors.New("spotify: authentication failed")

	// ErrUpstreamRequest is wrapped by every RequestError.
	ErrUpstreamRequest = errors.New("spotify: request failed")

	// ErrNoAccessTokens is returned when a batched lookup has ids to fetch
	// but no access token to fetch them with.
	ErrNoAccessTokens = errors.New("spotify: no access tokens available")
)

// AuthError reports a failed token grant.
type AuthError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("spotify %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("spotify %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() []error {
	return []error{ErrUpstreamAuth, e.Err}
}

// RequestError reports a failed Web API call: a transport failure, a non-2xx
// status or a body that could not be decoded.
type RequestError struct {
	Op         string
	URL        string
	StatusCode int
	Body       string
	Err        error

	retryAfter time.Duration
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("spotify %s", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstreamRequest}
	}
	return []error{ErrUpstreamRequest, e.Err}
}

func (e *RequestError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
