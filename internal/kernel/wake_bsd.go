//go:build darwin || freebsd

package kernel

import "golang.org/x/sys/unix"

// Waker is the wake-up sentinel: a nonblocking pipe registered with the
// primary kernel so a blocked Wait returns promptly when cross-thread work
// arrives.
type Waker struct {
	rfd, wfd int
}

// NewWaker creates the pipe.
func NewWaker() (*Waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	for _, fd := range p {
		unix.SetNonblock(fd, true)
		unix.CloseOnExec(fd)
	}
	return &Waker{rfd: p[0], wfd: p[1]}, nil
}

// Fd is the descriptor to register for readable events.
func (w *Waker) Fd() int { return w.rfd }

// Wake unblocks one waiter. EAGAIN means a wakeup is already pending.
func (w *Waker) Wake() error {
	one := [1]byte{1}
	_, err := unix.Write(w.wfd, one[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Drain empties pending wakeups after a fire.
func (w *Waker) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.rfd, buf[:])
		if err != nil || n < len(buf) {
			return
		}
	}
}

// Close releases both pipe ends.
func (w *Waker) Close() error {
	unix.Close(w.wfd)
	return unix.Close(w.rfd)
}
