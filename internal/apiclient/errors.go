package apiclient

import (
	"errors"
	"fmt"
	"net/http"

	"campusride/internal/service"
)

// Error is a non-2xx API response. It unwraps to the service sentinel named
// by its code, so callers keep using errors.Is across the wire.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("campusride api: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap returns the matching sentinels.
func (e *Error) Unwrap() []error {
	switch e.Code {
	case service.CodeStaleData:
		return []error{service.ErrInvalidTransition, service.ErrStaleData}
	case "", service.CodeInternal:
		if e.StatusCode >= http.StatusInternalServerError {
			return []error{service.ErrUpstreamUnavailable}
		}
		return nil
	}
	if err := service.ErrorForCode(e.Code); err != nil {
		return []error{err}
	}
	return nil
}

// ErrBadResponse is returned when a response body cannot be decoded.
var ErrBadResponse = errors.New("malformed api response")

// transportError marks a failure to reach the API as upstream unavailable
// while keeping context errors inspectable.
func transportError(err error) error {
	return fmt.Errorf("%w: %w", service.ErrUpstreamUnavailable, err)
}
