// Package errors classifies failures surfaced by the HTTP and websocket
// layers. Domain packages keep their own sentinel errors; handlers wrap
// them in an AppError so response.Error can pick a status code.
package errors

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeUnauthorized     ErrorType = "unauthorized"
	ErrorTypeForbidden        ErrorType = "forbidden"
	ErrorTypeInternal         ErrorType = "internal"
	ErrorTypeMethodNotAllowed ErrorType = "method_not_allowed"
	// ErrorTypeExternal covers the database and redis.
	ErrorTypeExternal ErrorType = "external"
)

type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func newError(t ErrorType, message string) error {
	return &AppError{Type: t, Message: message}
}

func wrap(t ErrorType, message string, err error) error {
	return &AppError{Type: t, Message: message, Err: err}
}

func Validation(message string) error {
	return newError(ErrorTypeValidation, message)
}

func Validationf(format string, args ...any) error {
	return newError(ErrorTypeValidation, fmt.Sprintf(format, args...))
}

// WrapValidation keeps err reachable through errors.Is, so callers can still
// match the domain sentinel.
func WrapValidation(message string, err error) error {
	return wrap(ErrorTypeValidation, message, err)
}

func WrapNotFound(message string, err error) error {
	return wrap(ErrorTypeNotFound, message, err)
}

func Unauthorized(message string) error {
	return newError(ErrorTypeUnauthorized, message)
}

func Forbidden(message string) error {
	return newError(ErrorTypeForbidden, message)
}

func MethodNotAllowed(method string) error {
	return newError(ErrorTypeMethodNotAllowed, fmt.Sprintf("method %s not allowed", method))
}

// GetType reports ErrorTypeInternal for anything that is not an AppError.
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}
