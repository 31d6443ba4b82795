package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures so the HTTP layer can map them to a
// status code without inspecting messages.
type ErrorKind string

const (
	KindUnknown      ErrorKind = "unknown"
	KindBadRequest   ErrorKind = "bad_request"
	KindNotFound     ErrorKind = "not_found"
	KindForbidden    ErrorKind = "forbidden"
	KindServiceError ErrorKind = "service_error"
)

// Error is the typed error returned by adapters, the pipeline and the store.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// BadRequest reports malformed input, an unsupported canonical type or an
// unknown platform tag.
func BadRequest(format string, args ...any) error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing or inactive entity, e.g. NotFound("Channel").
func NotFound(entity string) error {
	return &Error{Kind: KindNotFound, Message: entity + " not found"}
}

// Forbidden reports a webhook signature or token mismatch.
func Forbidden(format string, args ...any) error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// ServiceError wraps a failure talking to the bot backend or a platform API.
func ServiceError(message string, cause error) error {
	return &Error{Kind: KindServiceError, Message: message, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
