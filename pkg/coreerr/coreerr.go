// Package coreerr defines the single error sum type surfaced at the
// boundary of every component in this module, per the error taxonomy in the
// design: a fixed set of distinct Kinds, each optionally wrapping an
// underlying cause so callers can still errors.Is/errors.As through to it.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind identifies which of the taxonomy's distinct failure modes an Error
// represents.
type Kind string

const (
	FileRead             Kind = "file_read"
	Parse                Kind = "parse"
	RemoteRequest        Kind = "remote_request"
	RemoteResponse       Kind = "remote_response"
	SecretNotFound       Kind = "secret_not_found"
	SecretKeyNotFound    Kind = "secret_key_not_found"
	InvalidSecretRef     Kind = "invalid_secret_ref"
	SecretNoStore        Kind = "secret_no_store"
	StoreError           Kind = "store_error"
	InvalidRegex         Kind = "invalid_regex"
	InvalidVersionClause Kind = "invalid_version_clause"
	Timeout              Kind = "timeout"
)

// Error is the sum-type error realization: a Kind plus a human-readable
// message and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Status and Body are populated only for Kind == RemoteResponse.
	Status int
	Body   []byte
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// RemoteResponseError builds the RemoteResponse error with captured status
// and body, as required when a built-in provider's HTTP call returns a
// non-2xx status.
func RemoteResponseError(status int, body []byte) *Error {
	return &Error{
		Kind:    RemoteResponse,
		Message: fmt.Sprintf("non-2xx status %d", status),
		Status:  status,
		Body:    body,
	}
}

// Is reports whether err is a *Error of the given kind, unwrapping through
// wrapped causes.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
