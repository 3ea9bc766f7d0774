// Package apperr holds the error taxonomy shared by the ledger, settlement and API layers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for HTTP status mapping.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindUnauthorized        Kind = "Unauthorized"
	KindInsufficientBalance Kind = "InsufficientBalance"
	KindPriceUnavailable    Kind = "PriceUnavailable"
	KindUnparsablePair      Kind = "UnparsablePair"
	KindNotFound            Kind = "NotFound"
	KindNotCancellable      Kind = "NotCancellable"
	KindConflict            Kind = "Conflict"
	KindInternal            Kind = "Internal"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrPriceUnavailable    = &Error{Kind: KindPriceUnavailable}
	ErrUnparsablePair      = &Error{Kind: KindUnparsablePair}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrNotCancellable      = &Error{Kind: KindNotCancellable}
	ErrConflict            = &Error{Kind: KindConflict}
)

// FieldError describes a validation failure of a single request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a classified error carrying a client-safe message.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError

	cause error
}

func (e *Error) Error() string {
	str := string(e.Kind)
	if e.Message != "" {
		str += ": " + e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches sentinels (no message) by kind, and otherwise requires kind and message to agree.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" {
		return t.Kind == e.Kind
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

// ValidationFields builds a ValidationError listing every offending field.
func ValidationFields(fields []FieldError) *Error {
	msg := "invalid request"
	if len(fields) == 1 {
		msg = fields[0].Message
	}
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

func Unauthorized(format string, args ...any) *Error {
	return newf(KindUnauthorized, format, args...)
}

func InsufficientBalance(format string, args ...any) *Error {
	return newf(KindInsufficientBalance, format, args...)
}

// PriceUnavailable wraps the provider failure that left no usable price.
func PriceUnavailable(cause error, format string, args ...any) *Error {
	e := newf(KindPriceUnavailable, format, args...)
	e.cause = cause
	return e
}

func UnparsablePair(symbol string) *Error {
	return newf(KindUnparsablePair, "cannot parse trading pair %q", symbol)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

func NotCancellable(format string, args ...any) *Error {
	return newf(KindNotCancellable, format, args...)
}

// Conflict reports a request that clashes with existing state, such as a taken username.
func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInsufficientBalance, KindUnparsablePair:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindNotCancellable, KindConflict:
		return http.StatusConflict
	case KindPriceUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
