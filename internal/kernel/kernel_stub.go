//go:build !linux && !darwin && !freebsd

package kernel

import (
	"syscall"
	"time"
)

// Stub back-end so the package compiles on unsupported platforms. Every
// operation fails with ErrUnsupported.

type Event struct{}

func (e Event) Ident() int { return -1 }

type Backlog struct{}

func NewBacklog() *Backlog          { return &Backlog{} }
func (b *Backlog) Event(n int) Event { return Event{} }

type Kernel struct{}

func New() (*Kernel, error) { return nil, ErrUnsupported }

func (k *Kernel) Max() int                    { return 0 }
func (k *Kernel) Ident() int                  { return -1 }
func (k *Kernel) AddFd(fd int, ev Events) error { return ErrUnsupported }
func (k *Kernel) RemoveFd(fd int) error       { return ErrUnsupported }
func (k *Kernel) AddKernel(other *Kernel) error { return ErrUnsupported }
func (k *Kernel) Wait(b *Backlog, timeoutMs int) (int, error) {
	return -1, ErrUnsupported
}
func (k *Kernel) Reactivate(e Event) error { return ErrUnsupported }
func (k *Kernel) Remove(e Event) error     { return ErrUnsupported }
func (k *Kernel) Close() error             { return ErrUnsupported }

type Timer struct{}

func (t *Timer) Ident() int { return -1 }

func (k *Kernel) AddTimer(t *Timer, value, interval time.Duration) (int, error) {
	return -1, ErrUnsupported
}
func (k *Kernel) RemoveTimer(ident int) error { return ErrUnsupported }
func ReadTimer(e Event) int                   { return -1 }

type Signal struct{}

func (s *Signal) Ident() int { return -1 }

func (k *Kernel) AddSignal(s *Signal, signo syscall.Signal) (int, error) {
	return -1, ErrUnsupported
}
func (k *Kernel) RemoveSignal(ident int) error { return ErrUnsupported }
func ReadSignal(e Event) int                   { return -1 }

type Waker struct{}

func NewWaker() (*Waker, error) { return nil, ErrUnsupported }

func (w *Waker) Fd() int      { return -1 }
func (w *Waker) Wake() error  { return ErrUnsupported }
func (w *Waker) Drain()       {}
func (w *Waker) Close() error { return ErrUnsupported }
