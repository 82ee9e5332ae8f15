package evloop

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured loop error with operation context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "listen", "add_timer")
	Fd    int           // Descriptor involved (-1 if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Kernel errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	switch {
	case e.Fd >= 0 && e.Errno != 0:
		return fmt.Sprintf("evloop: %s: %s (op=%s fd=%d errno=%d)", msg, e.Errno.Error(), e.Op, e.Fd, int(e.Errno))
	case e.Errno != 0:
		return fmt.Sprintf("evloop: %s: %s (op=%s)", msg, e.Errno.Error(), e.Op)
	case e.Fd >= 0:
		return fmt.Sprintf("evloop: %s (op=%s fd=%d)", msg, e.Op, e.Fd)
	default:
		return fmt.Sprintf("evloop: %s (op=%s)", msg, e.Op)
	}
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	if e.Inner != nil {
		return e.Inner
	}
	if e.Errno != 0 {
		return e.Errno
	}
	return nil
}

// Is provides errors.Is support for code-level comparison
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeAlreadyRunning ErrorCode = "loop already running"
	ErrCodeUnsupported    ErrorCode = "platform not supported"
	ErrCodeKernel         ErrorCode = "kernel operation failed"
	ErrCodeSocket         ErrorCode = "socket setup failed"
	ErrCodeBadDescriptor  ErrorCode = "descriptor out of range"
)

// ErrAlreadyRunning is returned by Start when workers already exist.
var ErrAlreadyRunning = &Error{Op: "start", Fd: -1, Code: ErrCodeAlreadyRunning}

// newError builds a structured error around a syscall failure.
func newError(op string, fd int, code ErrorCode, err error) *Error {
	e := &Error{Op: op, Fd: fd, Code: code, Inner: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
		e.Inner = nil
	}
	return e
}
