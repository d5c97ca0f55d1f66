package model

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy of the distribution core. Internal-invariant violations
// (UnknownConnection, DuplicateConnection) are never fatal to the process:
// the triggering operation is rejected and logged at high severity.
var (
	ErrUnauthorized        = errors.New("unauthorized")          // bad/missing credential at connect
	ErrUnauthenticated     = errors.New("unauthenticated")       // event before tenant scope bound
	ErrRateLimited         = errors.New("rate limited")          // budget exceeded
	ErrInvalidEvent        = errors.New("invalid event")         // malformed payload/unknown kind
	ErrUnknownConnection   = errors.New("unknown connection")    // registry invariant violation
	ErrDuplicateConnection = errors.New("duplicate connection")  // registry invariant violation
	ErrDeliveryFailure     = errors.New("delivery failure")      // per-member transport write error
	ErrTenantMismatch      = errors.New("tenant scope mismatch") // join outside bound tenant
)

// ErrorCode maps a taxonomy error to its wire code for ErrorPayload.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrUnauthenticated):
		return "UNAUTHENTICATED"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrInvalidEvent):
		return "INVALID_EVENT"
	case errors.Is(err, ErrUnknownConnection):
		return "UNKNOWN_CONNECTION"
	case errors.Is(err, ErrDuplicateConnection):
		return "DUPLICATE_CONNECTION"
	case errors.Is(err, ErrDeliveryFailure):
		return "DELIVERY_FAILURE"
	case errors.Is(err, ErrTenantMismatch):
		return "TENANT_MISMATCH"
	default:
		return "INTERNAL"
	}
}

// RateLimitError carries the computed retry-after alongside the sentinel.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s): retry after %s", e.Scope, e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) hold for wrapped decisions.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }
