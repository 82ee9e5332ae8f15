//go:build linux

package kernel

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Waker is the wake-up sentinel: an eventfd registered with the primary
// kernel so a blocked Wait returns promptly when cross-thread work arrives.
type Waker struct {
	efd int
}

// NewWaker creates the eventfd.
func NewWaker() (*Waker, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Waker{efd: efd}, nil
}

// Fd is the descriptor to register for readable events.
func (w *Waker) Fd() int { return w.efd }

// Wake unblocks one waiter. The counter value does not matter.
func (w *Waker) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.efd, buf[:])
	return err
}

// Drain resets the counter after a fire.
func (w *Waker) Drain() {
	var buf [8]byte
	unix.Read(w.efd, buf[:])
}

// Close releases the eventfd.
func (w *Waker) Close() error {
	return unix.Close(w.efd)
}
