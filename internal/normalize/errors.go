package normalize

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a payload could not be normalized.
type ErrorKind string

const (
	KindMalformed    ErrorKind = "malformed"
	KindMissingField ErrorKind = "missing_field"
	KindInvalidField ErrorKind = "invalid_field"
)

// ErrIgnored is returned for provider events that carry no build run, such as GitHub pings.
var ErrIgnored = errors.New("normalize: event carries no build run")

// Error reports a payload that cannot be turned into a BuildEvent.
type Error struct {
	Kind     ErrorKind
	Provider string
	Field    string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("normalize %s payload: %s", e.Provider, e.Kind)
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func malformed(provider string, err error) *Error {
	return &Error{Kind: KindMalformed, Provider: provider, Err: err}
}

func missing(provider, field string) *Error {
	return &Error{Kind: KindMissingField, Provider: provider, Field: field}
}

func invalid(provider, field string, err error) *Error {
	return &Error{Kind: KindInvalidField, Provider: provider, Field: field, Err: err}
}
