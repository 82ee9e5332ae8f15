// Package evloop provides a readiness-driven I/O multiplexing engine: server
// programs register interest in descriptor events, timers, and signals, and
// a fixed-size pool of workers dispatches their handlers. All outbound
// writes flow through a zero-copy per-descriptor queue executed with
// writev and sendfile.
package evloop

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-evloop/internal/constants"
	"github.com/behrlich/go-evloop/internal/kernel"
	"github.com/behrlich/go-evloop/internal/logging"
)

// taskQueue is a slice-backed FIFO of deferred work units.
type taskQueue struct {
	head int
	buf  []func()
}

func (q *taskQueue) push(fn func()) { q.buf = append(q.buf, fn) }

func (q *taskQueue) len() int { return len(q.buf) - q.head }

func (q *taskQueue) pop() func() {
	fn := q.buf[q.head]
	q.buf[q.head] = nil
	q.head++
	if q.head == len(q.buf) {
		q.buf = q.buf[:0]
		q.head = 0
	}
	return fn
}

// Loop multiplexes descriptor, timer, and signal events onto a pool of
// worker goroutines. Workers cooperatively drive one one-shot kernel: only
// one worker blocks in the kernel wait at a time while the others dispatch
// buffered events, run submitted tasks, or drain pending writes.
type Loop struct {
	mu        sync.Mutex
	cond      *sync.Cond // work available / poll handoff
	flushCond *sync.Cond // task queue and output engine both empty

	kern    *kernel.Kernel
	waker   *kernel.Waker
	backlog *kernel.Backlog

	// cursor over the last wait batch; off == num means drained
	off, num int

	// whether a worker may enter the kernel wait
	pollable bool

	handlers []Handler
	tasks    taskQueue
	moreQ    []kernel.Event

	out *out

	endFlag  atomic.Bool
	workers  sync.WaitGroup
	nworkers int
	detached bool

	metrics *Metrics
	log     *logging.Logger
}

// New creates a loop with no workers. Call Start or Run to begin
// dispatching.
func New() (*Loop, error) {
	kern, err := kernel.New()
	if err != nil {
		return nil, newError("new", -1, ErrCodeUnsupported, err)
	}

	waker, err := kernel.NewWaker()
	if err != nil {
		kern.Close()
		return nil, newError("new", -1, ErrCodeKernel, err)
	}

	metrics := NewMetrics()
	log := logging.Default()

	o, err := newOut(metrics, log)
	if err != nil {
		waker.Close()
		kern.Close()
		return nil, newError("new", -1, ErrCodeKernel, err)
	}

	l := &Loop{
		kern:     kern,
		waker:    waker,
		backlog:  kernel.NewBacklog(),
		pollable: true,
		handlers: make([]Handler, kern.Max()),
		out:      o,
		metrics:  metrics,
		log:      log,
	}
	l.cond = sync.NewCond(&l.mu)
	l.flushCond = sync.NewCond(&l.mu)

	if err := kern.AddFd(waker.Fd(), kernel.Read); err != nil {
		l.release()
		return nil, newError("new", waker.Fd(), ErrCodeKernel, err)
	}

	// the output engine's kernel is nested into the primary one and owns a
	// registry slot under its own ident
	l.handlers[o.Ident()] = o
	if err := kern.AddKernel(o.kern); err != nil {
		l.release()
		return nil, newError("new", o.Ident(), ErrCodeKernel, err)
	}

	return l, nil
}

func (l *Loop) release() {
	l.out.close()
	l.waker.Close()
	l.kern.Close()
}

// Metrics exposes the loop's counters.
func (l *Loop) Metrics() *Metrics { return l.metrics }

// wake pokes the sentinel so a worker blocked in the kernel wait returns
// promptly. Required after any cross-thread submission the poller cannot
// see.
func (l *Loop) wake() {
	l.metrics.Wakeups.Add(1)
	l.waker.Wake()
}

// Start launches n workers. It fails if workers already exist.
func (l *Loop) Start(n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nworkers > 0 {
		return ErrAlreadyRunning
	}
	if l.metrics.StartTime.Load() == 0 {
		l.metrics.RecordStart()
	}
	l.addThread(n)
	return nil
}

// AddThread adds n workers to an already-running pool.
func (l *Loop) AddThread(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addThread(n)
}

func (l *Loop) addThread(n int) {
	for i := 0; i < n; i++ {
		l.nworkers++
		l.workers.Add(1)
		go l.threadMain()
	}
}

// IsRunning reports whether any workers exist.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nworkers > 0
}

// Run starts n workers and blocks until End.
func (l *Loop) Run(n int) error {
	if err := l.Start(n); err != nil {
		return err
	}
	l.Join()
	return nil
}

// RunOnce performs one pass of the scheduling decision tree, blocking at
// most one poll timeout.
func (l *Loop) RunOnce() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runOnce(constants.DefaultWaitTimeoutMs)
}

// RunNonblock performs one pass without blocking in the kernel wait.
func (l *Loop) RunNonblock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runOnce(0)
}

// End asks every worker to exit after its current step.
func (l *Loop) End() {
	l.mu.Lock()
	l.endFlag.Store(true)
	l.cond.Broadcast()
	l.flushCond.Broadcast()
	l.mu.Unlock()
	l.wake()
}

// IsEnd reports whether End was called.
func (l *Loop) IsEnd() bool { return l.endFlag.Load() }

// Join blocks until every worker has exited. Calling Join from inside a
// handler deadlocks; handlers should call End and let the owning goroutine
// join.
func (l *Loop) Join() {
	l.mu.Lock()
	if l.detached {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.workers.Wait()
}

// Detach abandons the workers; Join becomes a no-op and the workers exit on
// their own after End.
func (l *Loop) Detach() {
	l.mu.Lock()
	l.detached = true
	l.mu.Unlock()
}

// Close ends the loop, joins the workers, and releases every kernel
// resource. Queued tasks that never ran are discarded; pending output
// queues run their finalizers.
func (l *Loop) Close() error {
	l.End()
	l.Join()
	l.metrics.RecordStop()

	l.mu.Lock()
	l.tasks = taskQueue{}
	l.moreQ = nil
	l.mu.Unlock()

	err := l.out.close()
	l.waker.Close()
	if kerr := l.kern.Close(); err == nil {
		err = kerr
	}
	return err
}

// Submit enqueues fn for execution on some worker. Panics are swallowed and
// counted; fn runs at most once.
func (l *Loop) Submit(fn func()) {
	l.mu.Lock()
	l.tasks.push(fn)
	l.mu.Unlock()
	l.wake()
}

// AddHandler registers h under its ident and arms the descriptor for
// readable events. The descriptor is switched to nonblocking mode.
func (l *Loop) AddHandler(h Handler) error {
	fd := h.Ident()
	if fd < 0 || fd >= len(l.handlers) {
		return &Error{Op: "add_handler", Fd: fd, Code: ErrCodeBadDescriptor}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return newError("add_handler", fd, ErrCodeSocket, err)
	}

	l.mu.Lock()
	l.handlers[fd] = h
	l.mu.Unlock()

	if err := l.kern.AddFd(fd, kernel.Read); err != nil {
		l.mu.Lock()
		l.handlers[fd] = nil
		l.mu.Unlock()
		return newError("add_handler", fd, ErrCodeKernel, err)
	}

	l.wake()
	return nil
}

// RemoveHandler clears fd's registry slot and deregisters it from the
// kernel.
func (l *Loop) RemoveHandler(fd int) {
	l.resetHandler(fd)
	l.kern.RemoveFd(fd)
}

func (l *Loop) setHandler(h Handler) {
	fd := h.Ident()
	if fd < 0 || fd >= len(l.handlers) {
		return
	}
	l.mu.Lock()
	l.handlers[fd] = h
	l.mu.Unlock()
}

func (l *Loop) resetHandler(fd int) {
	if fd < 0 || fd >= len(l.handlers) {
		return
	}
	l.mu.Lock()
	l.handlers[fd] = nil
	l.mu.Unlock()
}

// eventRemove implements the façade's Remove action.
func (l *Loop) eventRemove(ke kernel.Event) {
	l.kern.Remove(ke)
	l.resetHandler(ke.Ident())
}

// eventMore implements the façade's More action: redeliver next turn
// without going through the kernel.
func (l *Loop) eventMore(ke kernel.Event) {
	l.mu.Lock()
	l.moreQ = append(l.moreQ, ke)
	l.cond.Signal()
	l.mu.Unlock()
	l.wake()
}

// Flush blocks until both the task queue and the output engine are empty.
// With workers running it waits on the flush condition; without workers it
// drives the decision tree inline.
func (l *Loop) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for !(l.tasks.len() == 0 && l.out.empty()) {
		if l.endFlag.Load() {
			return
		}
		if l.nworkers > 0 {
			l.flushCond.Wait()
		} else if err := l.runOnce(constants.DefaultWaitTimeoutMs); err != nil {
			l.log.Error("flush aborted on kernel error", "err", err)
			return
		}
	}
}

func (l *Loop) threadMain() {
	defer func() {
		l.mu.Lock()
		l.nworkers--
		l.mu.Unlock()
		l.workers.Done()
	}()

	l.mu.Lock()
	for !l.endFlag.Load() {
		if err := l.runOnce(constants.DefaultWaitTimeoutMs); err != nil {
			// a dispatcher-global failure terminates this worker only
			l.log.Error("worker exiting", "err", err)
			break
		}
	}
	l.mu.Unlock()
}

// runOnce is one pass of the per-round decision tree. Called and returned
// with the mutex held; releases it around syscalls and handler invocations.
func (l *Loop) runOnce(timeoutMs int) error {
	if l.endFlag.Load() {
		return nil
	}

	// buffered events first; chain a wakeup so idle workers help drain the
	// batch in parallel
	if l.off < l.num {
		ke := l.backlog.Event(l.off)
		l.off++
		if l.off < l.num {
			l.cond.Signal()
		}
		l.consume(ke)
		return nil
	}
	if len(l.moreQ) > 0 {
		ke := l.moreQ[0]
		l.moreQ = l.moreQ[1:]
		l.consume(ke)
		return nil
	}

	// tasks yield to event dispatch until the backlog builds up, or
	// whenever another worker holds the poll slot
	if n := l.tasks.len(); n > 0 && (n > constants.TaskDispatchThreshold || !l.pollable) {
		l.doTask()
		return nil
	}

	if l.out.hasQueue() {
		l.doOut()
		return nil
	}

	if !l.pollable {
		l.cond.Wait()
		return nil
	}

	// nothing buffered and the poll slot is ours: drain stray tasks rather
	// than sleeping with work queued
	if l.tasks.len() > 0 {
		l.doTask()
		return nil
	}

	l.pollable = false
	l.mu.Unlock()
	l.metrics.Polls.Add(1)
	n, err := l.kern.Wait(l.backlog, timeoutMs)
	l.mu.Lock()

	l.pollable = true
	l.cond.Signal()

	if l.endFlag.Load() {
		return nil
	}
	if n <= 0 {
		if err != nil && !errors.Is(err, unix.EINTR) && !errors.Is(err, unix.EAGAIN) {
			return newError("wait", -1, ErrCodeKernel, err)
		}
		return nil
	}

	l.off = 0
	l.num = n
	return nil
}

// doTask runs one submitted task with the mutex released.
func (l *Loop) doTask() {
	fn := l.tasks.pop()
	l.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				l.metrics.TaskPanics.Add(1)
				l.log.Error("task panic", "panic", r)
			}
		}()
		fn()
	}()
	l.metrics.TasksRun.Add(1)

	l.mu.Lock()
	if l.tasks.len() > 0 {
		l.wake()
	} else if l.out.empty() {
		l.flushCond.Broadcast()
	}
}

// doOut executes one queued write event with the mutex released.
func (l *Loop) doOut() {
	ke := l.out.next()
	l.mu.Unlock()

	drained := l.out.writeEvent(ke)

	l.mu.Lock()
	if drained {
		l.wake()
		if l.tasks.len() == 0 {
			l.flushCond.Broadcast()
		}
	}
}

// consume dispatches one kernel event. Mutex held; released around the
// handler invocation.
func (l *Loop) consume(ke kernel.Event) {
	ident := ke.Ident()

	switch {
	case ident == l.waker.Fd():
		l.waker.Drain()
		l.kern.Reactivate(ke)

	case ident == l.out.Ident():
		// writable events surface through the nested kernel; poll it dry
		// and re-arm the nesting registration
		if err := l.out.pollEvent(); err != nil {
			l.log.Error("output engine poll", "err", err)
		}
		if l.out.hasQueue() {
			l.cond.Signal()
		}
		l.kern.Reactivate(ke)

	default:
		var h Handler
		if ident >= 0 && ident < len(l.handlers) {
			h = l.handlers[ident]
		}

		if h == nil {
			// late event for a deregistered slot
			l.kern.Remove(ke)
			return
		}

		e := &Event{loop: l, ke: ke}
		l.mu.Unlock()
		cont := l.invoke(h, e)
		l.mu.Lock()

		if e.flags&flagReactivated != 0 {
			return
		}
		if e.flags&flagRemoved != 0 {
			return
		}
		if !cont {
			l.kern.Remove(ke)
			if ident >= 0 && ident < len(l.handlers) {
				l.handlers[ident] = nil
			}
			return
		}
		l.kern.Reactivate(ke)
	}
}

// invoke runs a handler, converting a panic into "finished".
func (l *Loop) invoke(h Handler, e *Event) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.HandlerPanics.Add(1)
			l.log.Error("handler panic", "fd", e.Ident(), "panic", r)
			cont = false
		}
	}()
	l.metrics.EventsDispatched.Add(1)
	return h.Process(e)
}
