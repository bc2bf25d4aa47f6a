package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// AuthError indicates that no usable credential was available, or that
// the server rejected the one that was sent. The subsystem treats it
// as "logged out" rather than as a failure to surface.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unauthenticated: %s: %v", e.Message, e.Err)
	}
	return "unauthenticated: " + e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// StatusError is returned for a non-2xx response other than 401/403.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf(
		"unexpected status %d on %s %s: %s",
		e.StatusCode, e.Method, e.Path, e.Body,
	)
}

// Definite reports whether the status is a client-side condition that
// retrying or resyncing cannot change, e.g. 404 for an item that is
// already gone. 408 and 429 are timing problems and are not definite.
func (e *StatusError) Definite() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsDefinite reports whether err is a definite client-side failure.
func IsDefinite(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Definite()
	}
	return false
}

// IsTransient reports whether err is an ambiguous failure (network
// error, timeout, 5xx) after which local state cannot be trusted.
// Cancellation by the caller is not transient.
func IsTransient(err error) bool {
	if err == nil || IsAuthError(err) || IsDefinite(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
