// Package broker provides the opaque session port to the brokerage: the
// verb surface the lifecycle engine calls, the wire message shapes it
// consumes, a TastyTrade HTTP implementation, a circuit-breaker wrapper,
// and the account push-event stream.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies session failures. Only Transient errors are retried
// by the engine; everything else is surfaced with its reason.
type ErrorKind string

const (
	// KindTransient covers network failures, timeouts, and 5xx responses.
	KindTransient ErrorKind = "transient"
	// KindAuth covers expired or invalid session tokens.
	KindAuth ErrorKind = "auth"
	// KindNotFound covers lookups of orders the broker no longer knows.
	KindNotFound ErrorKind = "not_found"
	// KindValidation covers rejected order specs.
	KindValidation ErrorKind = "validation"
	// KindConflict covers operations on orders already terminal, e.g.
	// cancelling an order that just filled.
	KindConflict ErrorKind = "conflict"
)

// APIError is a classified broker failure.
type APIError struct {
	Kind   ErrorKind
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker %s error %d: %s", e.Kind, e.Status, e.Body)
}

// ClassifyStatus maps an HTTP status to an error kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status == 409:
		return KindConflict
	case status == 422 || status == 400:
		return KindValidation
	case status == 429 || status >= 500:
		return KindTransient
	default:
		return KindValidation
	}
}

// kindOf extracts the classification from any error chain. Raw network and
// deadline errors classify as transient.
func kindOf(err error) (ErrorKind, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient, true
	}
	return "", false
}

// IsTransient reports whether the engine may retry the call.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsAuth reports whether the account's session is unusable for this run.
func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// IsNotFound reports whether the broker does not know the requested entity.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsValidation reports whether the broker rejected the request contents.
func IsValidation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindValidation
}

// IsConflict reports whether the target order was already terminal.
func IsConflict(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConflict
}
