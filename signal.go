package evloop

import (
	"syscall"

	"github.com/behrlich/go-evloop/internal/kernel"
)

// SignalCallback fires per delivered signal. Returning false unsubscribes.
type SignalCallback func() bool

type signalHandler struct {
	ident int
	signo syscall.Signal
	cb    SignalCallback
	loop  *Loop
}

func (h *signalHandler) Ident() int { return h.ident }

func (h *signalHandler) Process(e *Event) bool {
	kernel.ReadSignal(e.ke)

	keep := false
	func() {
		defer func() {
			if recover() != nil {
				keep = false
			}
		}()
		keep = h.cb()
	}()

	if !keep {
		e.Remove()
		h.loop.kern.RemoveSignal(h.ident)
	}
	return keep
}

// AddSignal subscribes cb to signo. Deliveries arrive through the loop's
// wait stream, so the callback runs on a worker like any other handler. The
// returned identifier cancels the subscription via RemoveSignal.
func (l *Loop) AddSignal(signo syscall.Signal, cb SignalCallback) (int, error) {
	s := new(kernel.Signal)
	ident, err := l.kern.AddSignal(s, signo)
	if err != nil {
		return -1, newError("add_signal", -1, ErrCodeKernel, err)
	}

	l.setHandler(&signalHandler{ident: ident, signo: signo, cb: cb, loop: l})
	l.wake()
	return ident, nil
}

// RemoveSignal cancels the subscription behind ident and releases its
// resources.
func (l *Loop) RemoveSignal(ident int) {
	l.resetHandler(ident)
	l.kern.RemoveSignal(ident)
}
