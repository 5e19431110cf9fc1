package possync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// TokenRefreshError is fatal to the current connection's run only: the caller
// marks the connection errored and moves on to the next one.
type TokenRefreshError struct {
	Provider string
	Reason   string
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("%s token refresh failed: %s", e.Provider, e.Reason)
}

// APIError is any non-2xx provider response. Status 0 means the request never
// got a response (dial/timeout).
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s api request failed: %s", e.Provider, e.Body)
	}
	return fmt.Sprintf("%s api error %d: %s", e.Provider, e.Status, e.Body)
}

// ProviderDataError marks a malformed or incomplete raw payload. Caught
// per-order: the order is skipped and logged, the page keeps going.
type ProviderDataError struct {
	Provider   string
	ExternalId string
	Reason     string
}

func (e *ProviderDataError) Error() string {
	return fmt.Sprintf("%s order %s: %s", e.Provider, e.ExternalId, e.Reason)
}

func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}

// IsTransient reports whether a retry could plausibly succeed: timeouts,
// connection failures, 429s and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 0 ||
			apiErr.Status == http.StatusTooManyRequests ||
			apiErr.Status >= 500
	}
	return false
}
