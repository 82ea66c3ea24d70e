package broker

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies broker failures for retry and halt decisions.
type ErrorCategory string

const (
	// CategoryTransport covers network-level failures: timeouts, refused
	// connections, 5xx responses. Retryable for idempotent reads only.
	CategoryTransport ErrorCategory = "transport"

	// CategoryExchange covers rejections the venue itself returned:
	// insufficient balance, bad quantity, market closed. Never retried.
	CategoryExchange ErrorCategory = "exchange"

	// CategoryValidation covers requests rejected before leaving the process.
	CategoryValidation ErrorCategory = "validation"

	// CategorySession covers authentication and session loss. Fatal: the
	// engine halts new orders until a reconnect succeeds.
	CategorySession ErrorCategory = "session"
)

// Error is the structured failure type all broker implementations return.
type Error struct {
	Category  ErrorCategory
	Op        string // operation that failed, e.g. "place_order"
	Code      int    // venue error code when known
	Message   string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("broker %s: %s", e.Op, e.Message)
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransportError wraps a network-level failure.
func NewTransportError(op string, err error) *Error {
	return &Error{Category: CategoryTransport, Op: op, Message: "transport failure", Err: err, Retryable: true}
}

// NewExchangeError wraps a venue rejection.
func NewExchangeError(op string, code int, message string) *Error {
	return &Error{Category: CategoryExchange, Op: op, Code: code, Message: message}
}

// NewValidationError reports a request rejected locally.
func NewValidationError(op, message string) *Error {
	return &Error{Category: CategoryValidation, Op: op, Message: message}
}

// NewSessionError reports authentication or session loss.
func NewSessionError(op string, err error) *Error {
	return &Error{Category: CategorySession, Op: op, Message: "session lost", Err: err}
}

// IsRetryable reports whether err may be retried. Only meaningful for
// idempotent reads; order placement must never be retried regardless.
func IsRetryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// IsFatal reports whether err means the execution session is gone.
func IsFatal(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Category == CategorySession
	}
	return false
}

// ErrPositionNotFound is returned by ticket-addressed operations when the
// position no longer exists (raced with a broker-side close).
var ErrPositionNotFound = errors.New("position not found")
