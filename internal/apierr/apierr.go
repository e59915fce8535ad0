// Package apierr defines the caller-visible error taxonomy of the service.
//
// Every failure that reaches the HTTP boundary is an *Error. Only Message,
// Usage and Limit are rendered to callers; the wrapped cause is for logs.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	InvalidCredential      Kind = "invalid_credential"
	CredentialInactive     Kind = "credential_inactive"
	QuotaExceeded          Kind = "quota_exceeded"
	InvalidRequest         Kind = "invalid_request"
	MalformedRepositoryURL Kind = "malformed_repository_url"
	RepositoryNotFound     Kind = "repository_not_found"
	UpstreamFetchFailed    Kind = "upstream_fetch_failed"
	ModelInvocationFailed  Kind = "model_invocation_failed"
	StoreUnavailable       Kind = "store_unavailable"
	Unexpected             Kind = "unexpected"
)

// Status returns the default HTTP status for the kind.
func (k Kind) Status() int {
	switch k {
	case InvalidCredential, CredentialInactive:
		return http.StatusUnauthorized
	case QuotaExceeded:
		return http.StatusTooManyRequests
	case InvalidRequest, MalformedRepositoryURL:
		return http.StatusBadRequest
	case RepositoryNotFound:
		return http.StatusNotFound
	case UpstreamFetchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Kind    Kind
	Status  int
	Message string
	Usage   *int
	Limit   *int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Status: kind.Status(), Message: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Status: kind.Status(), Message: msg, Err: err}
}

// WithStatus overrides the default status, e.g. to propagate an upstream code.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

func Quota(msg string, usage, limit int) *Error {
	e := New(QuotaExceeded, msg)
	e.Usage = &usage
	e.Limit = &limit
	return e
}

// From converts any error into an *Error. Unknown errors become Unexpected.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(Unexpected, "Internal server error", err)
}

// KindOf returns the kind of err, or Unexpected for foreign errors.
func KindOf(err error) Kind {
	return From(err).Kind
}
