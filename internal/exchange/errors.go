package exchange

import (
	"errors"
	"fmt"
	"net"
)

// APIError is a non-2xx or non-success response from the venue.
type APIError struct {
	HTTPStatus int
	Code       string
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error %s (http %d): %s", e.Code, e.HTTPStatus, e.Msg)
}

// RateLimited reports whether the venue rejected the request for exceeding
// its request budget.
func (e *APIError) RateLimited() bool {
	return e.HTTPStatus == 429 || e.Code == "429000"
}

// Transient reports whether a retry has a reasonable chance of succeeding.
func (e *APIError) Transient() bool {
	return e.RateLimited() || e.HTTPStatus >= 500
}

// IsTransient classifies an error from any client method. Network failures
// and timeouts count as transient alongside 5xx and rate-limit responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// IsRateLimited reports whether the error is specifically a request-budget
// rejection, which warrants a longer cooldown than other transient failures.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RateLimited()
	}
	return false
}
