package serial

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a serial device error the way the handlers do:
// transient I/O is logged and dropped, protocol violations stay local
// to the offending descriptor, fatal errors break the device.
type ErrorCode string

const (
	ErrCodeTransientIO       ErrorCode = "transient I/O failure"
	ErrCodeProtocolViolation ErrorCode = "guest protocol violation"
	ErrCodeFatalDevice       ErrorCode = "fatal device error"
	ErrCodeConstruction      ErrorCode = "construction failure"
	ErrCodeConfigAccess      ErrorCode = "config space access"
)

// ErrNotImplemented is returned by operations the device declares but
// does not perform (hot-unplug via RemovePort).
var ErrNotImplemented = errors.New("serial: not implemented")

// Error is the device's structured error: the operation, a category,
// and whatever it wraps.
type Error struct {
	Op    string
	Code  ErrorCode
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("serial: %s: %s", e.Op, e.Code)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Inner != nil {
		s += ": " + e.Inner.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

func newError(op string, code ErrorCode, format string, args ...any) *Error {
	return &Error{Op: op, Code: code, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, Code: code, Inner: inner}
}

// IsCode reports whether err is (or wraps) an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
