package catalog

import (
	"errors"
	"fmt"
	"time"
)

// Error is a catalog-typed error. It carries the definition it was raised under plus optional per-occurrence details
// such as the retry-after hint for rate-limit rejections.
type Error struct {
	Def        Definition
	Detail     string
	RetryAfter time.Duration
	cause      error
}

// NewError raises an error under the definition registered for reason.
func NewError(reason string) *Error {
	return &Error{Def: MustByReason(reason)}
}

// WithDetail attaches a human-readable detail to the error.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// WithRetryAfter attaches a retry-after hint. Only meaningful for rate_limit category errors.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithCause attaches the underlying error for unwrapping.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (%s): %s", e.Def.Reason, e.Def.NumericCode, e.Detail)
	}
	return fmt.Sprintf("%s (%s): %s", e.Def.Reason, e.Def.NumericCode, e.Def.HumanMessage)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two catalog errors by reason so errors.Is works against sentinel instances.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Def.Reason == other.Def.Reason
	}
	return false
}

// AsError extracts a catalog error from an error chain.
func AsError(err error) (*Error, bool) {
	var ce *Error
	ok := errors.As(err, &ce)
	return ce, ok
}

// Message returns the client-facing message, preferring the per-occurrence detail.
func (e *Error) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Def.HumanMessage
}
