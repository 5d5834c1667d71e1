// Package fault defines the closed set of error kinds recognised across the
// Eloquence pipeline and their wire-level codes.
//
// Pipeline packages wrap their failures with one of the sentinel errors below
// using fmt.Errorf("...: %w", ...); callers classify with [errors.Is] and the
// HTTP/transport layers translate via [Code] and [HTTPStatus].
package fault

import (
	"context"
	"errors"
	"net/http"
)

// Sentinel error kinds. The set is closed; new failure modes must map onto
// one of these.
var (
	ErrAuth            = errors.New("authentication failed")
	ErrValidation      = errors.New("validation failed")
	ErrOverloaded      = errors.New("service overloaded")
	ErrUpstream        = errors.New("upstream service failure")
	ErrCancelled       = errors.New("cancelled")
	ErrTimeout         = errors.New("deadline exceeded")
	ErrTransport       = errors.New("transport failure")
	ErrSegmentTooSmall = errors.New("speech segment too small")
	ErrSlowConsumer    = errors.New("client cannot keep up with outbound audio")
	ErrNotFound        = errors.New("not found")
	ErrInternal        = errors.New("internal error")
)

// Code returns the wire code for err, used in error control frames and HTTP
// bodies. Context cancellation and deadline errors are folded into their
// pipeline equivalents so callers need not special-case them.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrSegmentTooSmall):
		return "segment_too_small"
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// HTTPStatus maps err to the status used by the control-plane handlers.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrOverloaded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Terminal reports whether err must end the session (emit a final error frame
// and close the transport).
func Terminal(err error) bool {
	return errors.Is(err, ErrSlowConsumer) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrInternal)
}
