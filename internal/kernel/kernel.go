// Package kernel wraps one OS-level multiplexing back-end (epoll on Linux,
// kqueue on darwin and FreeBSD) behind the small surface the dispatcher
// needs.
//
// Every registration is edge/one-shot: after a descriptor fires once it is
// silent until Reactivate re-arms it. Timers and signals are folded into the
// same Wait stream, so the dispatcher never distinguishes them from plain
// descriptors. Kernels nest: AddKernel registers another instance's own
// descriptor for readable events, which is how the output engine's private
// kernel hangs off the primary one.
package kernel

import "errors"

// Events selects the readiness conditions a registration waits for.
type Events uint32

const (
	// Read fires when the descriptor becomes readable
	Read Events = 1 << 0
	// Write fires when the descriptor becomes writable
	Write Events = 1 << 1
)

// ErrUnsupported is returned by New on platforms without a back-end.
var ErrUnsupported = errors.New("kernel: no multiplexer back-end on this platform")

// ErrTooManyTimers is returned when the identifier space for timer
// registrations is exhausted.
var ErrTooManyTimers = errors.New("kernel: timer identifier space exhausted")
