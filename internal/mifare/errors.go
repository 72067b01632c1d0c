package mifare

import (
	"errors"
	"fmt"
)

// Code classifies operation-level failures.
type Code string

const (
	CodeFormat       Code = "FORMAT_ERROR"
	CodeEmptyData    Code = "EMPTY_DATA"
	CodeNoTag        Code = "NO_TAG"
	CodeConnect      Code = "CONNECT_ERROR"
	CodeAuth         Code = "AUTH_ERROR"
	CodeRead         Code = "READ_ERROR"
	CodeWriteFailure Code = "WRITE_FAILURE"
	CodeIO           Code = "IO_ERROR"
)

// ErrTransport marks a failure of the physical channel itself (card removed,
// reader unplugged). Tag implementations wrap such errors with it; anything
// else coming out of a Tag is treated as a per-key or per-block failure.
var ErrTransport = errors.New("transport failure")

// Error is an operation-level failure with a stable code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error with a formatted message.
func NewError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the Code of err, or "" if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// MessageOf returns the human-readable part of err without its code prefix.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsTransport reports whether err is a fatal channel failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// ioError wraps a transport failure encountered mid-operation.
func ioError(err error, format string, args ...any) *Error {
	return NewError(CodeIO, err, format, args...)
}
