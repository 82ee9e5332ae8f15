package evloop

import (
	"time"

	"github.com/behrlich/go-evloop/internal/kernel"
)

// TimerCallback fires on each expiry. Returning false unsubscribes a
// periodic timer; a one-shot timer unsubscribes regardless.
type TimerCallback func() bool

type timerHandler struct {
	ident    int
	periodic bool
	cb       TimerCallback
	loop     *Loop
}

func (h *timerHandler) Ident() int { return h.ident }

func (h *timerHandler) Process(e *Event) bool {
	kernel.ReadTimer(e.ke)

	keep := false
	func() {
		defer func() {
			if recover() != nil {
				keep = false
			}
		}()
		keep = h.cb()
	}()
	keep = keep && h.periodic

	if !keep {
		// deregister before releasing the timer resource so the fired
		// identifier cannot be recycled under us
		e.Remove()
		h.loop.kern.RemoveTimer(h.ident)
	}
	return keep
}

// AddTimer arms a timer firing first after value, then every interval. An
// interval of zero makes it one-shot; a zero value fires after one
// interval. The returned identifier cancels it via RemoveTimer.
func (l *Loop) AddTimer(value, interval time.Duration, cb TimerCallback) (int, error) {
	t := new(kernel.Timer)
	ident, err := l.kern.AddTimer(t, value, interval)
	if err != nil {
		return -1, newError("add_timer", -1, ErrCodeKernel, err)
	}

	l.setHandler(&timerHandler{ident: ident, periodic: interval > 0, cb: cb, loop: l})
	l.wake()
	return ident, nil
}

// RemoveTimer cancels the timer behind ident and releases its resources.
func (l *Loop) RemoveTimer(ident int) {
	l.resetHandler(ident)
	l.kern.RemoveTimer(ident)
}
