// Package kerrors defines the closed, tagged error hierarchy shared by every
// kernel and virtual-network component. Every error that crosses a component
// boundary carries one of the machine codes below, plus optional context
// fields (handle, address, capability, port, scheme, ...), and supports
// errors.Is/errors.As through Unwrap.
package kerrors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error classifier. Codes are part of the
// external contract; human-readable messages are free-form and may change.
type Code string

const (
	ENoHandle     Code = "ENOHANDLE"
	EHandleType   Code = "EHANDLETYPE"
	ETableFull    Code = "ETABLEFULL"
	EStreamClosed Code = "ESTREAMCLOSED"
	ECapDenied    Code = "ECAPDENIED"
	EAlready      Code = "EALREADY"
	ENotFound     Code = "ENOTFOUND"
	ESignal       Code = "ESIGNAL"
	EConnRefused  Code = "ECONNREFUSED"
	EPolicy       Code = "EPOLICY"
	EAddrInUse    Code = "EADDRINUSE"
	EQueueFull    Code = "EQUEUEFULL"
	ENoRoute      Code = "ENOROUTE"
	EClosed       Code = "ECLOSED"
	ETimedOut     Code = "ETIMEDOUT"
	EListenFail   Code = "ELISTENFAIL"
)

// Error is the concrete error type carried by every fallible kernel
// operation. Construct with New; attach context with WithField.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Fields  map[string]any
}

// New constructs an Error for the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error with an underlying cause, preserving errors.Is/As
// through Unwrap.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithField returns a copy of e with the given context field set. The
// receiver is not mutated.
func (e *Error) WithField(key string, value any) *Error {
	cp := *e
	cp.Fields = make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	cp.Fields[key] = value
	return &cp
}

// Field returns the named context field, if set.
func (e *Error) Field(key string) (any, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, for errors.Is/errors.As chaining.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Code. This lets
// callers write errors.Is(err, kerrors.New(kerrors.ENoHandle, "")) or, more
// idiomatically, use Has(err, code).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Has reports whether err is (or wraps) a *Error with the given code.
func Has(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// CodeOf extracts the Code from err, if err is (or wraps) a *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Code, true
}
