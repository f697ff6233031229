// Package kanshi provides a Go client for the Kanshi quality-monitoring API.
package kanshi

import (
	"errors"
	"fmt"
)

// Error represents an error from the Kanshi API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kanshi: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsUnavailable returns true if the error is a 503. The server reports 503
// while draining and when the backing store is unreachable.
func IsUnavailable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 503
	}
	return false
}

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 400
	}
	return false
}
