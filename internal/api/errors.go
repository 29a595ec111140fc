package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/campuschat/internal/chat"
)

type ApiError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(statusCode int) *ApiError {
	return &ApiError{
		StatusCode: statusCode,
		Message:    lower(http.StatusText(statusCode)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden)
}

func NewConflictError() *ApiError {
	return newApiError(http.StatusConflict)
}

// withMessage replaces the generic status text with a client-safe detail.
func (e *ApiError) withMessage(msg string) *ApiError {
	e.Message = msg
	return e
}

// NewApiError converts an error from the chat service into its HTTP form.
// Errors outside the chat taxonomy are internal errors.
func NewApiError(err error) *ApiError {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var e *ApiError
	switch {
	case errors.Is(err, chat.ErrValidation):
		e = NewBadRequestError()
	case errors.Is(err, chat.ErrNotAuthorized):
		e = NewForbiddenError()
	case errors.Is(err, chat.ErrNotFound):
		e = NewNotFoundError()
	case errors.Is(err, chat.ErrInvalidOperation):
		e = NewConflictError()
	default:
		return NewInternalServerError(err)
	}

	e.Err = err
	return e.withMessage(chat.PublicMessage(err))
}
