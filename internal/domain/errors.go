package domain

import (
	"context"
	"errors"
)

var (
	// ErrAuth indicates no usable credential could be obtained.
	ErrAuth = errors.New("auth error")
	// ErrUnauthorized indicates the provider rejected the credential (HTTP 401).
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNetwork covers timeouts, connection failures and non-2xx responses other than 401.
	ErrNetwork = errors.New("network error")
	// ErrParse indicates a provider payload matched no known shape.
	ErrParse = errors.New("parse error")
	// ErrValidation indicates an alert with contradictory or incomplete criteria.
	ErrValidation = errors.New("validation error")
)

// Kind maps an error onto a short label for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return "network"
	default:
		return "internal"
	}
}
