// Package fault defines the closed error taxonomy shared by all components.
// The provider client is the only producer of provider-derived kinds; every
// other layer branches on Kind, never on raw provider payloads.
package fault

import (
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind classifies an error into the closed taxonomy.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindRateLimited          Kind = "rate_limited"
	KindMediaExpired         Kind = "media_expired"
	KindPolicyRejected       Kind = "policy_rejected"
	KindAuth                 Kind = "auth"
	KindTransient            Kind = "transient"
	KindPermanent            Kind = "permanent"
	KindMissingTable         Kind = "missing_table"
	KindConversationConflict Kind = "conversation_conflict"
)

// Error carries a Kind alongside a message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err, or KindPermanent when err carries none.
// A nil err has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindPermanent
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a step-level retry may help. Only transient and
// rate_limited errors are retried; everything else is terminal for the step.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// HTTPStatus maps a kind to the status code surfaced to API callers.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return fasthttp.StatusBadRequest
	case KindNotFound:
		return fasthttp.StatusNotFound
	case KindConflict, KindConversationConflict:
		return fasthttp.StatusConflict
	case KindAuth:
		return fasthttp.StatusUnauthorized
	case KindPolicyRejected:
		return fasthttp.StatusUnprocessableEntity
	default:
		return fasthttp.StatusInternalServerError
	}
}
