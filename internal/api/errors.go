package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized is matched by errors.Is for 401 and 403 responses
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is matched by errors.Is for 404 responses
	ErrNotFound = errors.New("not found")
)

// Error is a non-2xx response from the LMS
type Error struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *Error) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// Is lets callers test the status class with errors.Is
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// IsUnauthorized reports whether err is an access-denied response
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
