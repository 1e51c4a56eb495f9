// Package nberr defines the error-kind taxonomy shared across the
// orchestrator. Kinds are attached to plain errors rather than modeled as
// a deep type hierarchy.
package nberr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for dispatch/logging/retry decisions.
type Kind string

const (
	BadRequest       Kind = "bad_request"
	NotFound         Kind = "not_found"
	Transport        Kind = "transport"
	RpcTimeout       Kind = "rpc_timeout"
	RequestTooLarge  Kind = "request_too_large"
	HttpNonSuccess   Kind = "http_non_success"
	AuthFailure      Kind = "auth_failure"
	PermissionDenied Kind = "permission_denied"
	BackpressureReject Kind = "backpressure_reject"
	Fatal            Kind = "fatal"
)

// Error wraps an underlying error with a Kind and an optional HTTP status
// and body, used when Kind == HttpNonSuccess.
type Error struct {
	Kind   Kind
	Msg    string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Http builds an HttpNonSuccess error, remapping 413→RequestTooLarge and
// 401/403→AuthFailure/PermissionDenied.
func Http(status int, body string) *Error {
	switch status {
	case 413:
		return &Error{Kind: RequestTooLarge, Msg: "request body exceeds provider limit", Status: status, Body: body}
	case 401:
		return &Error{Kind: AuthFailure, Msg: "unauthorized", Status: status, Body: body}
	case 403:
		return &Error{Kind: PermissionDenied, Msg: "forbidden", Status: status, Body: body}
	default:
		return &Error{Kind: HttpNonSuccess, Msg: fmt.Sprintf("http %d", status), Status: status, Body: body}
	}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise returns "" and false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsRetryable reports whether the error kind is designated retryable by
// callers (RequestTooLarge, which HTTP 413 maps to).
func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	return k == RequestTooLarge
}
