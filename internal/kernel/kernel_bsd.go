//go:build darwin || freebsd

package kernel

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-evloop/internal/constants"
)

// Event is one ready notification returned by Wait. kqueue identifies a
// registration by (ident, filter), so both travel with the event.
type Event struct {
	ident  uint64
	filter int16
}

// Ident extracts the descriptor identifier. For timers it is the xident the
// registration was assigned.
func (e Event) Ident() int { return int(e.ident) }

// Backlog is the fixed-capacity buffer a Wait call fills with ready events.
type Backlog struct {
	buf []unix.Kevent_t
}

// NewBacklog allocates a backlog sized to one wait batch.
func NewBacklog() *Backlog {
	return &Backlog{buf: make([]unix.Kevent_t, constants.BacklogSize)}
}

// Event returns the n-th event of the last Wait batch.
func (b *Backlog) Event(n int) Event {
	return Event{ident: uint64(b.buf[n].Ident), filter: int16(b.buf[n].Filter)}
}

type timerSpec struct {
	valueMs    int64
	intervalMs int64
}

// Kernel is the kqueue back-end. Timers have no descriptor of their own, so
// they are identified by xidents allocated above the process fd limit.
type Kernel struct {
	kq    int
	maxfd int

	mu         sync.Mutex
	xidents    []bool
	xidentNext int
	timers     map[int]timerSpec
	signals    map[int]*Signal
}

// New creates a kqueue instance.
func New() (*Kernel, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		unix.Close(kq)
		return nil, err
	}
	maxfd := int(rlim.Cur)
	if maxfd <= 0 || maxfd > constants.MaxIdent {
		maxfd = constants.MaxIdent
	}
	return &Kernel{
		kq:      kq,
		maxfd:   maxfd,
		xidents: make([]bool, constants.XidentSpace),
		timers:  make(map[int]timerSpec),
		signals: make(map[int]*Signal),
	}, nil
}

// Max is the upper bound on simultaneously watched identifiers, fds plus the
// timer xident space.
func (k *Kernel) Max() int { return k.maxfd + constants.XidentSpace }

// Ident is the kernel's own descriptor, used for nesting.
func (k *Kernel) Ident() int { return k.kq }

func (k *Kernel) set(ident int, filter int16, flags uint16, data int64) error {
	kev := unix.Kevent_t{Flags: flags, Data: data}
	kev.Ident = uint64(ident)
	kev.Filter = int16(filter)
	_, err := unix.Kevent(k.kq, []unix.Kevent_t{kev}, nil, nil)
	return err
}

// AddFd registers fd for one-shot readiness.
func (k *Kernel) AddFd(fd int, ev Events) error {
	if ev&Read != 0 {
		if err := k.set(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ONESHOT, 0); err != nil {
			return err
		}
	}
	if ev&Write != 0 {
		if err := k.set(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ONESHOT, 0); err != nil {
			return err
		}
	}
	return nil
}

// RemoveFd deregisters fd. Removing an fd that is already gone is not an
// error.
func (k *Kernel) RemoveFd(fd int) error {
	rerr := k.set(fd, unix.EVFILT_READ, unix.EV_DELETE, 0)
	werr := k.set(fd, unix.EVFILT_WRITE, unix.EV_DELETE, 0)
	if ignorable(rerr) && ignorable(werr) {
		return nil
	}
	if !ignorable(rerr) {
		return rerr
	}
	return werr
}

func ignorable(err error) bool {
	return err == nil || err == unix.ENOENT || err == unix.EBADF
}

// AddKernel nests another kernel: its descriptor becomes readable whenever
// that kernel has pending events.
func (k *Kernel) AddKernel(other *Kernel) error {
	return k.AddFd(other.kq, Read)
}

// Wait blocks for at most timeoutMs and fills b with ready events. A
// negative timeout blocks indefinitely.
func (k *Kernel) Wait(b *Backlog, timeoutMs int) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(time.Millisecond))
		ts = &t
	}
	n, err := unix.Kevent(k.kq, nil, b.buf, ts)
	if err != nil {
		return -1, err
	}
	return n, nil
}

// Reactivate re-arms a fired one-shot registration. Timers are re-added with
// their interval; a non-periodic timer stays disarmed.
func (k *Kernel) Reactivate(e Event) error {
	if e.filter == unix.EVFILT_TIMER {
		k.mu.Lock()
		spec, ok := k.timers[int(e.ident)]
		k.mu.Unlock()
		if !ok || spec.intervalMs <= 0 {
			return nil
		}
		return k.set(int(e.ident), unix.EVFILT_TIMER, unix.EV_ADD|unix.EV_ONESHOT, spec.intervalMs)
	}
	return k.set(int(e.ident), e.filter, unix.EV_ADD|unix.EV_ONESHOT, 0)
}

// Remove drops a fired registration. Idempotent.
func (k *Kernel) Remove(e Event) error {
	err := k.set(int(e.ident), e.filter, unix.EV_DELETE, 0)
	if ignorable(err) {
		return nil
	}
	return err
}

// Close releases the kqueue descriptor and every timer or signal resource
// still registered.
func (k *Kernel) Close() error {
	k.mu.Lock()
	for id := range k.timers {
		delete(k.timers, id)
	}
	for id, s := range k.signals {
		s.close()
		delete(k.signals, id)
	}
	k.mu.Unlock()
	return unix.Close(k.kq)
}

// Timer names one EVFILT_TIMER registration.
type Timer struct {
	ident int
}

// Ident returns the timer's registered identifier.
func (t *Timer) Ident() int { return t.ident }

func (k *Kernel) allocXident() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := 0; i < len(k.xidents); i++ {
		slot := (k.xidentNext + i) % len(k.xidents)
		if !k.xidents[slot] {
			k.xidents[slot] = true
			k.xidentNext = slot + 1
			return k.maxfd + slot
		}
	}
	return -1
}

func (k *Kernel) freeXident(ident int) {
	slot := ident - k.maxfd
	if slot < 0 || slot >= len(k.xidents) {
		return
	}
	k.mu.Lock()
	k.xidents[slot] = false
	k.mu.Unlock()
}

// AddTimer arms a one-shot EVFILT_TIMER firing first after value; Reactivate
// re-arms it with interval. A zero value fires after one interval.
func (k *Kernel) AddTimer(t *Timer, value, interval time.Duration) (int, error) {
	ident := k.allocXident()
	if ident < 0 {
		return -1, ErrTooManyTimers
	}

	spec := timerSpec{
		valueMs:    value.Milliseconds(),
		intervalMs: interval.Milliseconds(),
	}
	if spec.valueMs <= 0 {
		spec.valueMs = spec.intervalMs
	}
	if err := k.set(ident, unix.EVFILT_TIMER, unix.EV_ADD|unix.EV_ONESHOT, spec.valueMs); err != nil {
		k.freeXident(ident)
		return -1, err
	}

	t.ident = ident
	k.mu.Lock()
	k.timers[ident] = spec
	k.mu.Unlock()
	return ident, nil
}

// RemoveTimer deregisters and releases the timer behind ident.
func (k *Kernel) RemoveTimer(ident int) error {
	k.mu.Lock()
	delete(k.timers, ident)
	k.mu.Unlock()

	err := k.set(ident, unix.EVFILT_TIMER, unix.EV_DELETE, 0)
	k.freeXident(ident)
	if ignorable(err) {
		return nil
	}
	return err
}

// ReadTimer is a no-op on kqueue; expirations carry no payload.
func ReadTimer(e Event) int { return 0 }
