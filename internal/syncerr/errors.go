// Package syncerr defines the error taxonomy shared by the fetch and import
// pipelines. Every error carries a Kind so callers can decide, with errors.Is,
// whether a failure is scoped to one entity, one page, or the whole run.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindDataMissing Kind = "data_missing"
	KindRemote      Kind = "remote"
	KindComm        Kind = "comm"
	KindFormat      Kind = "format"
	KindConfig      Kind = "config"
)

// Sentinels for errors.Is matching on kind.
var (
	ErrDataMissing = &Error{Kind: KindDataMissing}
	ErrRemote      = &Error{Kind: KindRemote}
	ErrComm        = &Error{Kind: KindComm}
	ErrFormat      = &Error{Kind: KindFormat}
	ErrConfig      = &Error{Kind: KindConfig}
)

// Error is a classified pipeline error. Code is the provider error code for
// remote errors and the missing field name for data errors.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.Code != "" && e.Message != "":
		msg = fmt.Sprintf("%s error [%s]: %s", e.Kind, e.Code, e.Message)
	case e.Message != "":
		msg = fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	case e.Code != "":
		msg = fmt.Sprintf("%s error [%s]", e.Kind, e.Code)
	default:
		msg = fmt.Sprintf("%s error", e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrRemote) holds
// for every remote error regardless of code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == "" && t.Message == "" && t.Err == nil
}

// DataMissing reports a required identifying field absent on a canonical record.
func DataMissing(field string) error {
	return &Error{Kind: KindDataMissing, Code: field, Message: field + " is required"}
}

// Remote reports an error returned by the source or platform API.
func Remote(code, message string) error {
	return &Error{Kind: KindRemote, Code: code, Message: message}
}

// Comm reports a transport failure.
func Comm(err error) error {
	return &Error{Kind: KindComm, Err: err}
}

// Format reports a response or value that could not be parsed.
func Format(err error) error {
	return &Error{Kind: KindFormat, Err: err}
}

// Config reports a missing static mapping.
func Config(format string, args ...any) error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the failure may succeed on the next scheduled run.
// Format errors propagate like remote errors.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRemote, KindComm, KindFormat:
		return true
	}
	return false
}
