package chat

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrNotFound         = errors.New("not found")
	ErrInvalidOperation = errors.New("invalid operation")
)

// Error is a caller-facing failure. Kind is one of the sentinel errors above
// and Message is safe to show to the client.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// NewError builds a caller-facing error of the given kind.
func NewError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func validationError(format string, args ...any) error {
	return NewError(ErrValidation, format, args...)
}

func notAuthorized(format string, args ...any) error {
	return NewError(ErrNotAuthorized, format, args...)
}

func notFound(format string, args ...any) error {
	return NewError(ErrNotFound, format, args...)
}

func invalidOperation(format string, args ...any) error {
	return NewError(ErrInvalidOperation, format, args...)
}

// PartialDeliveryError reports that a message was persisted but a later
// step (summary update or a notification) failed. It is logged, never
// surfaced as a failed send.
type PartialDeliveryError struct {
	MessageId string
	Err       error
}

func (e *PartialDeliveryError) Error() string {
	return fmt.Sprintf("partial delivery of message %s: %v", e.MessageId, e.Err)
}

func (e *PartialDeliveryError) Unwrap() error {
	return e.Err
}

func IsPartialDelivery(err error) bool {
	var pd *PartialDeliveryError
	return errors.As(err, &pd)
}

// ErrorCode maps an error to the code sent to real-time clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidOperation):
		return "invalid_operation"
	default:
		return "internal_error"
	}
}

// PublicMessage returns the client-safe text of err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}
