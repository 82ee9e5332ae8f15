package evloop

import "github.com/behrlich/go-evloop/internal/kernel"

const (
	flagReactivated = 1 << 0
	flagRemoved     = 1 << 1
)

// Event is the façade handed to a handler so it can influence what happens
// to the registration after the handler returns. Each action is idempotent
// within one invocation; the recorded flags pick the post-handler action.
type Event struct {
	flags int
	loop  *Loop
	ke    kernel.Event
}

// Ident is the descriptor identifier this event fired for.
func (e *Event) Ident() int { return e.ke.Ident() }

// Remove removes the descriptor from the kernel and clears its registry
// slot. The handler's return value is ignored afterwards.
func (e *Event) Remove() {
	if e.flags&flagRemoved != 0 {
		return
	}
	e.loop.eventRemove(e.ke)
	e.flags |= flagRemoved
}

// Next declares that the handler keeps the descriptor armed on its own; the
// dispatcher must not reactivate it.
func (e *Event) Next() {
	e.flags |= flagReactivated
}

// More pushes the event back onto the dispatcher's internal queue so it is
// processed again at the next loop turn without going through the kernel.
func (e *Event) More() {
	if e.flags&flagReactivated != 0 {
		return
	}
	e.loop.eventMore(e.ke)
	e.flags |= flagReactivated
}
