package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors sharing the same code, so wrapped clones satisfy errors.Is
// against the predefined sentinels.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// WrapAs wraps err using the code and status of a predefined sentinel.
func WrapAs(err error, sentinel *Error, message string) *Error {
	if message == "" {
		message = sentinel.Message
	}
	return Wrap(err, sentinel.Code, sentinel.Status, message)
}

// Generic errors surfaced through the operator API.
var (
	ErrNotFound     = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrUnauthorized = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrForbidden    = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrValidation   = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal     = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss    = New("CACHE_MISS", http.StatusNotFound, "cache miss")
)

// Pipeline errors raised by the detectors, the queue and the dispatcher.
var (
	ErrUpstreamUnauthorized = New("UPSTREAM_UNAUTHORIZED", http.StatusBadGateway, "portal rejected stored credential")
	ErrUpstreamNotFound     = New("UPSTREAM_NOT_FOUND", http.StatusBadGateway, "portal record not found")
	ErrUpstreamTransient    = New("UPSTREAM_TRANSIENT", http.StatusBadGateway, "portal temporarily unavailable")
	ErrSnapshotCommit       = New("SNAPSHOT_COMMIT_FAILED", http.StatusInternalServerError, "failed to commit snapshot")
	ErrQueuePublish         = New("QUEUE_PUBLISH_FAILED", http.StatusServiceUnavailable, "failed to publish notification")
	ErrQueueDisconnected    = New("QUEUE_DISCONNECTED", http.StatusServiceUnavailable, "queue broker disconnected")
	ErrDeliveryTransient    = New("DELIVERY_TRANSIENT", http.StatusServiceUnavailable, "chat transport temporarily unavailable")
	ErrDeliveryPermanent    = New("DELIVERY_PERMANENT", http.StatusGone, "recipient unreachable")
	ErrMalformedPayload     = New("MALFORMED_PAYLOAD", http.StatusBadRequest, "malformed notification payload")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}
