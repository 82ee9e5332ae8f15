//go:build linux

package kernel

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-evloop/internal/constants"
)

// Event is one ready notification returned by Wait. It carries the
// descriptor plus the originally-registered epoll mask so Reactivate can
// restore the one-shot registration without any lookup.
type Event struct {
	fd   int32
	mask uint32
}

// Ident extracts the descriptor identifier.
func (e Event) Ident() int { return int(e.fd) }

// Backlog is the fixed-capacity buffer a Wait call fills with ready events.
type Backlog struct {
	buf []unix.EpollEvent
}

// NewBacklog allocates a backlog sized to one wait batch.
func NewBacklog() *Backlog {
	return &Backlog{buf: make([]unix.EpollEvent, constants.BacklogSize)}
}

// Event returns the n-th event of the last Wait batch.
func (b *Backlog) Event(n int) Event {
	return Event{fd: b.buf[n].Fd, mask: uint32(b.buf[n].Pad)}
}

// Kernel is the epoll back-end. The epoll data word carries the fd in Fd and
// the registered mask in Pad, mirroring what Event unpacks.
type Kernel struct {
	epfd  int
	maxfd int

	mu      sync.Mutex
	timers  map[int]*Timer
	signals map[int]*Signal
}

// New creates an epoll instance.
func New() (*Kernel, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	maxfd := int(rlim.Cur)
	if maxfd <= 0 || maxfd > constants.MaxIdent {
		maxfd = constants.MaxIdent
	}
	return &Kernel{
		epfd:    epfd,
		maxfd:   maxfd,
		timers:  make(map[int]*Timer),
		signals: make(map[int]*Signal),
	}, nil
}

// Max is the upper bound on simultaneously watched identifiers.
func (k *Kernel) Max() int { return k.maxfd }

// Ident is the kernel's own descriptor, used for nesting.
func (k *Kernel) Ident() int { return k.epfd }

func epollMask(ev Events) uint32 {
	mask := uint32(unix.EPOLLONESHOT)
	if ev&Read != 0 {
		mask |= unix.EPOLLIN
	}
	if ev&Write != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// AddFd registers fd for one-shot readiness.
func (k *Kernel) AddFd(fd int, ev Events) error {
	mask := epollMask(ev)
	return unix.EpollCtl(k.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: mask,
		Fd:     int32(fd),
		Pad:    int32(mask),
	})
}

// RemoveFd deregisters fd. Removing an fd that is already gone is not an
// error.
func (k *Kernel) RemoveFd(fd int) error {
	err := unix.EpollCtl(k.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

// AddKernel nests another kernel: its descriptor becomes readable whenever
// that kernel has pending events.
func (k *Kernel) AddKernel(other *Kernel) error {
	return k.AddFd(other.epfd, Read)
}

// Wait blocks for at most timeoutMs and fills b with ready events. A
// negative timeout blocks indefinitely.
func (k *Kernel) Wait(b *Backlog, timeoutMs int) (int, error) {
	n, err := unix.EpollWait(k.epfd, b.buf, timeoutMs)
	if err != nil {
		return -1, err
	}
	return n, nil
}

// Reactivate re-arms a fired one-shot registration.
func (k *Kernel) Reactivate(e Event) error {
	return unix.EpollCtl(k.epfd, unix.EPOLL_CTL_MOD, int(e.fd), &unix.EpollEvent{
		Events: e.mask,
		Fd:     e.fd,
		Pad:    int32(e.mask),
	})
}

// Remove drops a fired registration. Idempotent.
func (k *Kernel) Remove(e Event) error {
	return k.RemoveFd(int(e.fd))
}

// Close releases the epoll descriptor and every timer or signal resource
// still registered.
func (k *Kernel) Close() error {
	k.mu.Lock()
	for id, t := range k.timers {
		t.close()
		delete(k.timers, id)
	}
	for id, s := range k.signals {
		s.close()
		delete(k.signals, id)
	}
	k.mu.Unlock()
	return unix.Close(k.epfd)
}

// Timer owns the timerfd behind one timer registration. It is safe to
// remove a timer while the kernel still exists; the kernel keeps its own
// ident bookkeeping.
type Timer struct {
	fd int
}

// Ident returns the timer's registered identifier.
func (t *Timer) Ident() int { return t.fd }

func (t *Timer) close() {
	if t.fd >= 0 {
		unix.Close(t.fd)
		t.fd = -1
	}
}

// AddTimer arms a timerfd firing first after value, then every interval.
// A zero value fires after one interval, matching a purely periodic timer.
func (k *Kernel) AddTimer(t *Timer, value, interval time.Duration) (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return -1, err
	}

	var spec unix.ItimerSpec
	spec.Interval = unix.NsecToTimespec(interval.Nanoseconds())
	if value > 0 {
		spec.Value = unix.NsecToTimespec(value.Nanoseconds())
	} else {
		spec.Value = spec.Interval
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return -1, err
	}

	if err := k.AddFd(fd, Read); err != nil {
		unix.Close(fd)
		return -1, err
	}

	t.fd = fd
	k.mu.Lock()
	k.timers[fd] = t
	k.mu.Unlock()
	return fd, nil
}

// RemoveTimer deregisters and releases the timer behind ident.
func (k *Kernel) RemoveTimer(ident int) error {
	k.mu.Lock()
	t := k.timers[ident]
	delete(k.timers, ident)
	k.mu.Unlock()

	err := k.RemoveFd(ident)
	if t != nil {
		t.close()
	}
	return err
}

// ReadTimer consumes the expiration count from a fired timer event.
func ReadTimer(e Event) int {
	var buf [8]byte
	if _, err := unix.Read(e.Ident(), buf[:]); err != nil {
		return -1
	}
	return 0
}
