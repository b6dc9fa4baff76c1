package thingsboard

import (
	"errors"
	"fmt"
)

// Domain errors for the ThingsBoard client package.
var (
	// ErrConnection is returned when the API cannot be reached or answers
	// with a non-success status.
	ErrConnection = errors.New("thingsboard: connection failed")

	// ErrAuth is returned when login or token refresh is rejected, or when
	// the login response lacks the owner identity.
	ErrAuth = errors.New("thingsboard: authentication failed")

	// ErrNotFound is returned when the account has no devices.
	ErrNotFound = errors.New("thingsboard: no devices found")

	// ErrNotAuthenticated is returned when an authenticated operation is
	// called before Login or after Close.
	ErrNotAuthenticated = fmt.Errorf("%w: not logged in", ErrAuth)

	// ErrInvalidRelay is returned for a relay name other than OUT1 or OUT2.
	ErrInvalidRelay = errors.New("thingsboard: invalid relay")

	// ErrUnknownFamily is returned for an unsupported device type.
	ErrUnknownFamily = errors.New("thingsboard: unknown device type")

	// ErrDecode is returned when a response body is not the expected JSON.
	ErrDecode = errors.New("thingsboard: unexpected response body")
)

// APIError describes a non-success HTTP response from the API.
//
// It unwraps to ErrAuth when a login or refresh was rejected with 401/403
// and to ErrConnection otherwise.
type APIError struct {
	StatusCode int
	Message    string

	kind error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("thingsboard: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("thingsboard: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.kind == nil {
		return ErrConnection
	}
	return e.kind
}
