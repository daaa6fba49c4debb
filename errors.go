package main

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies hub errors so handlers can pick a response status without
// matching on message text.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransport  Kind = "transport"
	KindMalformed  Kind = "malformed"
)

// HubError carries a kind plus the usual wrapped cause.
type HubError struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *HubError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *HubError) Unwrap() error {
	return e.Err
}

func errValidation(op, format string, args ...interface{}) error {
	return &HubError{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func errNotFound(op, format string, args ...interface{}) error {
	return &HubError{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func errConflict(op, format string, args ...interface{}) error {
	return &HubError{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func errTransport(op string, err error) error {
	return &HubError{Kind: KindTransport, Op: op, Err: err}
}

// KindOf walks the wrap chain and returns the first HubError kind, or ""
// for untyped errors.
func KindOf(err error) Kind {
	var he *HubError
	if errors.As(err, &he) {
		return he.Kind
	}
	return ""
}

// statusFor maps an error to an HTTP status code. Untyped errors are
// treated as internal.
func statusFor(err error) int {
	switch KindOf(err) {
	case KindValidation, KindMalformed:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
