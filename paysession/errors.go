package paysession

import (
	"errors"
	"fmt"
)

// Kind classifies session and routing failures.
type Kind string

const (
	NotFound              Kind = "NotFound"
	Expired               Kind = "Expired"
	ScopeMismatch         Kind = "ScopeMismatch"
	ServerRejectedSession Kind = "ServerRejectedSession"
	PaymentCapExceeded    Kind = "PaymentCapExceeded"
	PaymentFailed         Kind = "PaymentFailed"      // nothing paid: unusable terms or wallet refusal
	PaymentNotAccepted    Kind = "PaymentNotAccepted" // funds moved, access still denied
	Timeout               Kind = "Timeout"
	TransportError        Kind = "TransportError"
	InvalidInput          Kind = "InvalidInput"
)

// Sentinels for errors.Is; any *Error of the same Kind matches.
var (
	ErrNotFound              = &Error{Kind: NotFound}
	ErrExpired               = &Error{Kind: Expired}
	ErrScopeMismatch         = &Error{Kind: ScopeMismatch}
	ErrServerRejectedSession = &Error{Kind: ServerRejectedSession}
	ErrPaymentCapExceeded    = &Error{Kind: PaymentCapExceeded}
	ErrPaymentFailed         = &Error{Kind: PaymentFailed}
	ErrPaymentNotAccepted    = &Error{Kind: PaymentNotAccepted}
	ErrTimeout               = &Error{Kind: Timeout}
	ErrTransport             = &Error{Kind: TransportError}
	ErrInvalidInput          = &Error{Kind: InvalidInput}
)

// Error is a tagged failure crossing the router and tool boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	} else {
		msg = string(e.Kind) + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, ErrExpired)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf extracts the Kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
