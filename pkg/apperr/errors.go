// Package apperr defines the error kinds shared across the service and the
// retry policy for upstream calls.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	// KindInvalidRequest covers bad fields, empty text and forbidden substrings.
	KindInvalidRequest Kind = "invalid_request"

	// KindAccessDenied covers paths resolving outside the project root.
	KindAccessDenied Kind = "access_denied"

	// KindNotFound covers missing backups and conversations.
	KindNotFound Kind = "not_found"

	// KindUpstreamUnavailable covers LLM, vector store or web search failures.
	KindUpstreamUnavailable Kind = "upstream_unavailable"

	// KindStructuredOutput covers schema validation failures after retries.
	KindStructuredOutput Kind = "structured_output"

	// KindValidatorFailure covers non-fatal external validator rejections.
	KindValidatorFailure Kind = "validator_failure"

	// KindInternalInvariant covers unexpected state, e.g. an unknown stage.
	KindInternalInvariant Kind = "internal_invariant"
)

// Error is a classified error with an optional wrapped cause.
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

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternalInvariant for
// unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternalInvariant
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAccessDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindStructuredOutput, KindValidatorFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
