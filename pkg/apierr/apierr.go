// Package apierr defines the error taxonomy shared by the credential,
// session, aggregation, dispatch and streaming layers. Callers branch on
// Kind rather than on message text.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindConfiguration
	KindNoCredential
	KindUpstreamUnavailable
	KindInstanceNotFound
	KindSessionNotFound
	KindSessionExpired
	KindTimeout
	KindStorage
	KindInvalidInput
	KindUnauthorized
	KindUpstream
)

var kindNames = map[Kind]string{
	KindInternal:            "internal",
	KindConfiguration:       "configuration",
	KindNoCredential:        "no_credential",
	KindUpstreamUnavailable: "upstream_unavailable",
	KindInstanceNotFound:    "instance_not_found",
	KindSessionNotFound:     "session_not_found",
	KindSessionExpired:      "session_expired",
	KindTimeout:             "timeout",
	KindStorage:             "storage",
	KindInvalidInput:        "invalid_input",
	KindUnauthorized:        "unauthorized",
	KindUpstream:            "upstream",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "internal"
}

// Class narrows a KindUpstream error by the status the upstream returned.
type Class int

const (
	ClassGeneric Class = iota
	ClassMethodNotAllowed
	ClassForbidden
	ClassNotFound
)

// ClassifyStatus maps an upstream HTTP status code onto the fixed taxonomy.
func ClassifyStatus(status int) Class {
	switch status {
	case http.StatusMethodNotAllowed:
		return ClassMethodNotAllowed
	case http.StatusUnauthorized, http.StatusForbidden:
		return ClassForbidden
	case http.StatusNotFound:
		return ClassNotFound
	default:
		return ClassGeneric
	}
}

// Message returns the operator-facing explanation for a class.
func (c Class) Message() string {
	switch c {
	case ClassMethodNotAllowed:
		return "the hosting platform does not allow this operation; it may need extra permissions or the API has changed"
	case ClassForbidden:
		return "insufficient permissions or invalid credential for this instance"
	case ClassNotFound:
		return "the hosting platform could not find this instance; check the instance id"
	default:
		return "the hosting platform rejected the request"
	}
}

// Error is the tagged error type used across the service. Message is safe to
// show to clients; Err carries the internal cause and is never rendered.
type Error struct {
	Kind    Kind
	Class   Class
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind so sentinel comparisons work with
// errors.Is(err, apierr.ErrSessionExpired).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Kind != KindUpstream || t.Class == e.Class)
}

// Sentinels for errors.Is comparisons.
var (
	ErrConfiguration       = &Error{Kind: KindConfiguration, Message: "no usable upstream credential is configured"}
	ErrNoCredential        = &Error{Kind: KindNoCredential, Message: "no credential configured for this account"}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable, Message: "the hosting platform is unavailable"}
	ErrInstanceNotFound    = &Error{Kind: KindInstanceNotFound, Message: "instance not found"}
	ErrSessionNotFound     = &Error{Kind: KindSessionNotFound, Message: "session is invalid"}
	ErrSessionExpired      = &Error{Kind: KindSessionExpired, Message: "session has expired, please log in again"}
	ErrTimeout             = &Error{Kind: KindTimeout, Message: "the hosting platform did not respond in time, try again later"}
	ErrStorage             = &Error{Kind: KindStorage, Message: "session storage failure"}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
)

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Upstream builds a KindUpstream error from a non-success status code.
func Upstream(status int, err error) *Error {
	class := ClassifyStatus(status)
	return &Error{Kind: KindUpstream, Class: class, Status: status, Message: class.Message(), Err: err}
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client-safe message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}

// HTTPStatus maps an error onto the response status code.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindNoCredential, KindInvalidInput:
		return http.StatusBadRequest
	case KindInstanceNotFound:
		return http.StatusNotFound
	case KindSessionNotFound, KindSessionExpired, KindUnauthorized:
		return http.StatusUnauthorized
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream:
		switch e.Class {
		case ClassMethodNotAllowed:
			return http.StatusMethodNotAllowed
		case ClassForbidden:
			return http.StatusForbidden
		case ClassNotFound:
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
