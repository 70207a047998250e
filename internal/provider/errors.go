// Package provider is the client for the payment provider's REST API.
package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ExternalAPIError is returned for every failed exchange with the provider:
// non-2xx responses, transport failures and timeouts. Transport failures
// carry StatusCode 0. Local faults (encoding, bad input) are plain errors.
type ExternalAPIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
	Body       []byte
	Err        error
}

func (e *ExternalAPIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider %s %s: %s", e.Method, e.Path, e.Message)
	}
	return fmt.Sprintf("provider %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *ExternalAPIError) Unwrap() error { return e.Err }

// IsNotFound reports whether the provider has no such resource.
func (e *ExternalAPIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsTransient reports whether retrying the same call may succeed.
func (e *ExternalAPIError) IsTransient() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// AsExternal unwraps err into an *ExternalAPIError.
func AsExternal(err error) (*ExternalAPIError, bool) {
	var apiErr *ExternalAPIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	apiErr, ok := AsExternal(err)
	return ok && apiErr.IsNotFound()
}

// IsPermanent reports whether err is a provider rejection that retrying
// cannot fix (4xx other than 408 and 429).
func IsPermanent(err error) bool {
	apiErr, ok := AsExternal(err)
	return ok && !apiErr.IsTransient()
}
