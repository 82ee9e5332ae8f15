//go:build linux || darwin || freebsd

package kernel

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signal owns the resources behind one signal registration. Delivery is
// pipe-based: os/signal forwards into a nonblocking pipe whose read end is
// the registered identifier, so signal fires arrive through the same Wait
// stream as every other descriptor. A signalfd would need the signal blocked
// in every thread, which the Go runtime does not allow a library to arrange.
type Signal struct {
	rfd, wfd int
	signo    syscall.Signal
	ch       chan os.Signal
	done     chan struct{}
	once     sync.Once
}

// Ident returns the signal's registered identifier.
func (s *Signal) Ident() int { return s.rfd }

// Signo returns the signal number this registration was created for.
func (s *Signal) Signo() syscall.Signal { return s.signo }

// forward owns the pipe's write end: closing it here, after done is
// observed, keeps a late delivery from racing a close into a recycled
// descriptor.
func (s *Signal) forward() {
	one := [1]byte{1}
	for {
		select {
		case <-s.done:
			unix.Close(s.wfd)
			return
		case <-s.ch:
			// EAGAIN means a wakeup is already pending in the pipe
			unix.Write(s.wfd, one[:])
		}
	}
}

func (s *Signal) close() {
	s.once.Do(func() {
		signal.Stop(s.ch)
		close(s.done)
		unix.Close(s.rfd)
	})
}

// AddSignal subscribes to signo and registers the delivery pipe with the
// kernel. The returned ident is the pipe's read end.
func (k *Kernel) AddSignal(s *Signal, signo syscall.Signal) (int, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return -1, err
	}
	for _, fd := range p {
		unix.SetNonblock(fd, true)
		unix.CloseOnExec(fd)
	}

	s.rfd, s.wfd = p[0], p[1]
	s.signo = signo
	s.ch = make(chan os.Signal, 8)
	s.done = make(chan struct{})
	signal.Notify(s.ch, signo)
	go s.forward()

	if err := k.AddFd(s.rfd, Read); err != nil {
		s.close()
		return -1, err
	}

	k.mu.Lock()
	k.signals[s.rfd] = s
	k.mu.Unlock()
	return s.rfd, nil
}

// RemoveSignal deregisters and releases the signal behind ident.
func (k *Kernel) RemoveSignal(ident int) error {
	k.mu.Lock()
	s := k.signals[ident]
	delete(k.signals, ident)
	k.mu.Unlock()

	err := k.RemoveFd(ident)
	if s != nil {
		s.close()
	}
	return err
}

// ReadSignal consumes one pending delivery from the pipe. Reading a single
// byte keeps coalesced deliveries visible: the pipe stays readable and the
// next reactivation fires again.
func ReadSignal(e Event) int {
	var b [1]byte
	if _, err := unix.Read(e.Ident(), b[:]); err != nil {
		return -1
	}
	return 0
}
