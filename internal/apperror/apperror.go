package apperror

import (
	"errors"
	"net/http"
)

type Code string

const (
	TransientProvider  Code = "TRANSIENT_PROVIDER"
	Auth               Code = "AUTH"
	IncompleteMetadata Code = "INCOMPLETE_METADATA"
	MalformedItemKey   Code = "MALFORMED_ITEM_KEY"
	RecoveryExhausted  Code = "RECOVERY_EXHAUSTED"
	Conflict           Code = "CONFLICT"
	NotFound           Code = "NOT_FOUND"
	AlreadyExists      Code = "ALREADY_EXISTS"
	BadRequest         Code = "BAD_REQUEST"
	Internal           Code = "INTERNAL"
)

type AppError struct {
	code    Code
	message string
}

func New(code Code, message string) *AppError {
	return &AppError{code: code, message: message}
}

func (e *AppError) Error() string   { return e.message }
func (e *AppError) Code() Code      { return e.code }
func (e *AppError) Message() string { return e.message }

// CodeOf returns the code carried by err, or Internal for plain errors.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.code
	}
	return Internal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

func (e *AppError) HTTPStatus() int {
	switch e.code {
	case BadRequest, MalformedItemKey, IncompleteMetadata:
		return http.StatusBadRequest
	case Auth:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict, AlreadyExists:
		return http.StatusConflict
	case RecoveryExhausted:
		return http.StatusGone
	case TransientProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
