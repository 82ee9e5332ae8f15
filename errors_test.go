package evloop

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestErrorFormatting(t *testing.T) {
	e := &Error{Op: "listen", Fd: 3, Code: ErrCodeSocket, Errno: unix.EADDRINUSE}
	msg := e.Error()

	if !strings.Contains(msg, "op=listen") {
		t.Errorf("missing operation in %q", msg)
	}
	if !strings.Contains(msg, "fd=3") {
		t.Errorf("missing fd in %q", msg)
	}
	if !strings.Contains(msg, "evloop:") {
		t.Errorf("missing package prefix in %q", msg)
	}
}

func TestErrorUnwrapsErrno(t *testing.T) {
	err := newError("connect", 7, ErrCodeSocket, unix.ECONNREFUSED)
	if !errors.Is(err, unix.ECONNREFUSED) {
		t.Errorf("errors.Is failed to find the errno in %v", err)
	}

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("errors.As failed on %v", err)
	}
	if e.Errno != unix.ECONNREFUSED {
		t.Errorf("expected ECONNREFUSED, got %v", e.Errno)
	}
}

func TestErrorCodeComparison(t *testing.T) {
	a := &Error{Op: "start", Fd: -1, Code: ErrCodeAlreadyRunning}
	if !errors.Is(a, ErrAlreadyRunning) {
		t.Error("code-level comparison failed")
	}

	b := &Error{Op: "wait", Fd: -1, Code: ErrCodeKernel}
	if errors.Is(b, ErrAlreadyRunning) {
		t.Error("distinct codes compared equal")
	}
}
