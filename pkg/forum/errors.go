package forum

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotAuthenticated is returned by operations that need a stored access token
// when none is available.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrNotAdmin is returned by RequireAdmin for accounts without the admin role.
var ErrNotAdmin = errors.New("admin role required")

// APIError is a non-2xx response from the forum API.
type APIError struct {
	Status  int
	Code    string
	Message string
	Method  string
	Path    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %d %s (%s)", e.Method, e.Path, e.Status, msg, e.Code)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

// StatusCode returns the HTTP status of an APIError anywhere in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// IsNotFound returns true for 404 responses.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsUnauthorized returns true for 401 responses and for ErrNotAuthenticated.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) || StatusCode(err) == http.StatusUnauthorized
}

// IsForbidden returns true for 403 responses and for ErrNotAdmin.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrNotAdmin) || StatusCode(err) == http.StatusForbidden
}

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
