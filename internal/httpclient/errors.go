package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/yourorg/whale-intel/internal/circuitbreaker"
)

// HTTPError carries the status and raw body of a response with status >= 400.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("%s %s: status %d, body: %s", e.Method, e.URL, e.StatusCode, body)
}

// RateLimitError is a 429 response. It is retried, and surfaces only once
// the retry policy is exhausted.
type RateLimitError struct {
	*HTTPError
}

func (e *RateLimitError) Error() string { return "rate limited: " + e.HTTPError.Error() }
func (e *RateLimitError) Unwrap() error { return e.HTTPError }

// PermanentClientError is a 4xx response other than 429. It is never retried.
type PermanentClientError struct {
	*HTTPError
}

func (e *PermanentClientError) Error() string { return "client error: " + e.HTTPError.Error() }
func (e *PermanentClientError) Unwrap() error { return e.HTTPError }

// TransientError is a 5xx response or a network-level failure.
type TransientError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Class groups errors by how a caller should react to them.
type Class string

const (
	ClassNone        Class = "ok"
	ClassCircuitOpen Class = "circuit_open"
	ClassRateLimited Class = "rate_limited"
	ClassPermanent   Class = "permanent"
	ClassTransient   Class = "transient"
	ClassCanceled    Class = "canceled"
)

// Classify maps an error returned by Client onto a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return ClassCircuitOpen
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	var pe *PermanentClientError
	if errors.As(err, &pe) {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	return ClassTransient
}

// IsTemporarilyUnavailable reports whether the caller should back off and
// retry later rather than treat the error as bad input.
func IsTemporarilyUnavailable(err error) bool {
	switch Classify(err) {
	case ClassCircuitOpen, ClassRateLimited, ClassTransient:
		return true
	}
	return false
}

// StatusCode extracts the upstream status from err, or 0 if there is none.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// classifyResponse turns a >= 400 response into its typed error.
func classifyResponse(method, url string, status int, body string) error {
	he := &HTTPError{Method: method, URL: url, StatusCode: status, Body: body}
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{HTTPError: he}
	case status >= 400 && status < 500:
		return &PermanentClientError{HTTPError: he}
	default:
		return &TransientError{Method: method, URL: url, Err: he}
	}
}
