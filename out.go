package evloop

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-evloop/internal/kernel"
	"github.com/behrlich/go-evloop/internal/logging"
)

// writev accepts at most this many iovec entries per call.
const maxIovLen = 1024

// outContext is the per-descriptor output state: the pending record stream
// plus its own mutex, so concurrent writes to different descriptors never
// serialize on each other.
type outContext struct {
	mu sync.Mutex
	x  Xfer
}

// out is the output engine. It owns a secondary kernel watching only
// writable readiness for descriptors whose last attempt did not fully
// drain; the secondary kernel is nested into the primary one, and the
// dispatcher special-cases its ident.
type out struct {
	kern    *kernel.Kernel
	backlog *kernel.Backlog

	// ready write events, guarded by the dispatcher mutex
	queue []kernel.Event

	watching atomic.Int64

	ctxs    []outContext
	metrics *Metrics
	log     *logging.Logger
}

func newOut(metrics *Metrics, log *logging.Logger) (*out, error) {
	kern, err := kernel.New()
	if err != nil {
		return nil, err
	}
	return &out{
		kern:    kern,
		backlog: kernel.NewBacklog(),
		ctxs:    make([]outContext, kern.Max()),
		metrics: metrics,
		log:     log,
	}, nil
}

// Ident implements Handler; the engine occupies its kernel's registry slot.
func (o *out) Ident() int { return o.kern.Ident() }

// Process implements Handler. The dispatcher special-cases the engine's
// ident, so this is never invoked.
func (o *out) Process(e *Event) bool {
	panic("evloop: output engine invoked as a plain handler")
}

// hasQueue reports pending write events. Dispatcher mutex held.
func (o *out) hasQueue() bool { return len(o.queue) > 0 }

// next pops the front write event. Dispatcher mutex held, queue non-empty.
func (o *out) next() kernel.Event {
	e := o.queue[0]
	o.queue = o.queue[1:]
	return e
}

// empty reports whether no descriptor is being watched for writability.
func (o *out) empty() bool { return o.watching.Load() == 0 }

// pollEvent checks the secondary kernel without blocking and appends any
// ready descriptors to the internal queue. Dispatcher mutex held.
func (o *out) pollEvent() error {
	n, err := o.kern.Wait(o.backlog, 0)
	if n <= 0 {
		if err != nil && !errors.Is(err, unix.EINTR) && !errors.Is(err, unix.EAGAIN) {
			return newError("out_poll", -1, ErrCodeKernel, err)
		}
		return nil
	}
	for i := 0; i < n; i++ {
		o.queue = append(o.queue, o.backlog.Event(i))
	}
	return nil
}

// writeEvent drains one descriptor's queue as far as the socket allows.
// It returns true when the engine just became completely empty, so the
// dispatcher can wake a flush waiter. Called with the dispatcher mutex
// released.
func (o *out) writeEvent(e kernel.Event) bool {
	fd := e.Ident()
	if fd < 0 || fd >= len(o.ctxs) {
		o.kern.Remove(e)
		return false
	}

	ctx := &o.ctxs[fd]
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if o.tryWrite(fd, ctx) {
		o.kern.Reactivate(e)
		return false
	}

	o.kern.Remove(e)
	ctx.x.Clear()
	left := o.watching.Add(-1)
	o.metrics.QueuedFds.Store(left)
	return left == 0
}

// tryWrite executes the context's record stream. It returns true when a
// remainder should be retried on the next writable event, false when the
// stream drained or hit a terminal error. Context mutex held.
func (o *out) tryWrite(fd int, ctx *outContext) bool {
	rem, cont := o.execute(fd, ctx.x.recs)
	ctx.x.recs = rem
	if !cont && len(rem) > 0 {
		o.fail(fd)
	}
	return cont
}

// fail handles a terminal write error: the reader side of the same
// descriptor sees EOF on its next read and observes closure through its own
// handler.
func (o *out) fail(fd int) {
	unix.Shutdown(fd, unix.SHUT_RD)
	o.metrics.WriteErrors.Add(1)
	o.log.Debug("write queue abandoned", "fd", fd)
}

// execute walks records head to tail, one syscall per record. On a short
// write the unfinished record is rewritten in place at the head of the
// returned remainder. The bool result is true when the remainder should be
// retried later (EAGAIN or partial), false when the stream drained
// (remainder empty) or hit a terminal error (remainder non-empty).
func (o *out) execute(fd int, recs []xferRecord) ([]xferRecord, bool) {
	i := 0
	for i < len(recs) {
		rec := &recs[i]
		switch rec.kind {
		case xferSendfile:
			if rec.n <= 0 {
				i++
				continue
			}
			off := rec.off
			n, err := unix.Sendfile(fd, rec.infd, &off, rec.n)
			if n > 0 {
				rec.off += int64(n)
				rec.n -= n
				o.metrics.SendfileBytes.Add(uint64(n))
			}
			if err != nil {
				if err == unix.EAGAIN || err == unix.EINTR {
					return recs[i:], true
				}
				return recs[i:], false
			}
			if rec.n > 0 {
				o.metrics.PartialWrites.Add(1)
				return recs[i:], true
			}
			i++

		case xferFinalize:
			runFinalizer(rec.fin)
			i++

		default: // xferIovec
			total := 0
			for _, b := range rec.vec {
				total += len(b)
			}
			if total == 0 {
				i++
				continue
			}
			chunk := rec.vec
			if len(chunk) > maxIovLen {
				chunk = chunk[:maxIovLen]
			}
			n, err := unix.Writev(fd, chunk)
			if err != nil {
				if err == unix.EAGAIN || err == unix.EINTR {
					return recs[i:], true
				}
				return recs[i:], false
			}
			if n <= 0 {
				return recs[i:], false
			}
			o.metrics.BytesWritten.Add(uint64(n))

			j := 0
			for j < len(rec.vec) && n >= len(rec.vec[j]) {
				n -= len(rec.vec[j])
				j++
			}
			if j < len(rec.vec) {
				rec.vec = rec.vec[j:]
				if n > 0 {
					rec.vec[0] = rec.vec[0][n:]
				}
				o.metrics.PartialWrites.Add(1)
				return recs[i:], true
			}
			i++
		}
	}
	return recs[:0], false
}

// watch registers fd with the secondary kernel for writable readiness.
// Context mutex held.
func (o *out) watch(fd int) {
	if err := o.kern.AddFd(fd, kernel.Write); err != nil {
		o.log.Debug("watch failed", "fd", fd, "err", err)
		return
	}
	n := o.watching.Add(1)
	o.metrics.QueuedFds.Store(n)
}

// write is the plain-memory fast path: one inline write(2) when the queue
// is empty, remainder queued on partial completion.
func (o *out) write(fd int, buf []byte) {
	if fd < 0 || fd >= len(o.ctxs) || len(buf) == 0 {
		return
	}
	ctx := &o.ctxs[fd]
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if !ctx.x.Empty() {
		ctx.x.PushWrite(buf)
		return
	}

	n, err := unix.Write(fd, buf)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
	case err != nil || n <= 0:
		o.fail(fd)
		return
	case n >= len(buf):
		o.metrics.BytesWritten.Add(uint64(n))
		return
	default:
		o.metrics.BytesWritten.Add(uint64(n))
		o.metrics.PartialWrites.Add(1)
		buf = buf[n:]
	}

	ctx.x.PushWrite(buf)
	o.watch(fd)
}

// commitRecs submits a pre-built record sequence: append when the
// descriptor already queues, otherwise attempt inline and queue only the
// remainder.
func (o *out) commitRecs(fd int, recs []xferRecord) {
	if fd < 0 || fd >= len(o.ctxs) || len(recs) == 0 {
		return
	}
	ctx := &o.ctxs[fd]
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if !ctx.x.Empty() {
		ctx.x.recs = append(ctx.x.recs, recs...)
		return
	}

	rem, cont := o.execute(fd, recs)
	if cont {
		ctx.x.recs = append(ctx.x.recs[:0], rem...)
		o.watch(fd)
		return
	}
	if len(rem) > 0 {
		o.fail(fd)
		abandoned := Xfer{recs: rem}
		abandoned.Clear()
	}
}

// close abandons every pending queue (running finalizers) and releases the
// secondary kernel.
func (o *out) close() error {
	for i := range o.ctxs {
		ctx := &o.ctxs[i]
		ctx.mu.Lock()
		if !ctx.x.Empty() {
			ctx.x.Clear()
		}
		ctx.mu.Unlock()
	}
	return o.kern.Close()
}

// Write queues buf on fd's outbound stream. The bytes are not copied; the
// caller must keep buf alive until it drains, or use WriteFin to learn when.
func (l *Loop) Write(fd int, buf []byte) {
	l.out.write(fd, buf)
}

// WriteFin queues buf followed by a finalizer that runs once buf has fully
// drained or the queue was abandoned.
func (l *Loop) WriteFin(fd int, buf []byte, fin Finalizer) {
	l.out.commitRecs(fd, []xferRecord{
		{kind: xferIovec, vec: [][]byte{buf}},
		{kind: xferFinalize, fin: fin},
	})
}

// Writev queues a vectored write followed by a finalizer.
func (l *Loop) Writev(fd int, vec [][]byte, fin Finalizer) {
	v := make([][]byte, len(vec))
	copy(v, vec)
	l.out.commitRecs(fd, []xferRecord{
		{kind: xferIovec, vec: v},
		{kind: xferFinalize, fin: fin},
	})
}

// Sendfile queues an in-kernel transfer of n bytes from infd starting at
// off, followed by a finalizer.
func (l *Loop) Sendfile(fd, infd int, off int64, n int, fin Finalizer) {
	l.out.commitRecs(fd, []xferRecord{
		{kind: xferSendfile, infd: infd, off: off, n: n},
		{kind: xferFinalize, fin: fin},
	})
}

// HSendfile queues a memory header, then a sendfile body, then a finalizer,
// all as one FIFO unit on fd's stream.
func (l *Loop) HSendfile(fd int, header []byte, infd int, off int64, n int, fin Finalizer) {
	l.out.commitRecs(fd, []xferRecord{
		{kind: xferIovec, vec: [][]byte{header}},
		{kind: xferSendfile, infd: infd, off: off, n: n},
		{kind: xferFinalize, fin: fin},
	})
}

// HVSendfile is HSendfile with a vectored header.
func (l *Loop) HVSendfile(fd int, header [][]byte, infd int, off int64, n int, fin Finalizer) {
	v := make([][]byte, len(header))
	copy(v, header)
	l.out.commitRecs(fd, []xferRecord{
		{kind: xferIovec, vec: v},
		{kind: xferSendfile, infd: infd, off: off, n: n},
		{kind: xferFinalize, fin: fin},
	})
}

// Commit moves an accumulated Xfer onto fd's stream as one FIFO unit,
// leaving xf empty and reusable.
func (l *Loop) Commit(fd int, xf *Xfer) {
	if xf.Empty() {
		return
	}
	recs := xf.recs
	xf.recs = nil
	l.out.commitRecs(fd, recs)
}
