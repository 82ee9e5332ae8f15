package evloop

import (
	"bytes"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-evloop/internal/logging"
)

func testSocketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func readAll(t *testing.T, fd, total int, done chan<- []byte) {
	t.Helper()
	got := make([]byte, 0, total)
	buf := make([]byte, 64*1024)
	for len(got) < total {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			got = append(got, buf[:n]...)
			continue
		}
		if err == unix.EINTR {
			continue
		}
		break
	}
	done <- got
}

// Replaying a record stream must reproduce the same byte sequence the
// records describe, with the finalizer running last.
func TestExecuteRoundTrip(t *testing.T) {
	o, err := newOut(NewMetrics(), logging.Default())
	if err != nil {
		t.Fatalf("newOut: %v", err)
	}
	defer o.close()

	a, b := testSocketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	f, err := os.CreateTemp(t.TempDir(), "body")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString("0123456789"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}

	var finalized atomic.Int32
	recs := []xferRecord{
		{kind: xferIovec, vec: [][]byte{[]byte("HDR:")}},
		{kind: xferSendfile, infd: int(f.Fd()), off: 2, n: 6},
		{kind: xferIovec, vec: [][]byte{[]byte("|"), []byte("END")}},
		{kind: xferFinalize, fin: func() { finalized.Add(1) }},
	}

	rem, cont := o.execute(a, recs)
	if cont {
		t.Error("expected the stream to drain inline")
	}
	if len(rem) != 0 {
		t.Errorf("expected no remainder, got %d records", len(rem))
	}
	if finalized.Load() != 1 {
		t.Errorf("expected finalizer to run once, ran %d times", finalized.Load())
	}

	want := "HDR:234567|END"
	got := make([]byte, len(want))
	if _, err := io.ReadFull(fdReader(b), got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != want {
		t.Errorf("round trip mismatch: want %q, got %q", want, got)
	}
}

type fdReader int

func (r fdReader) Read(p []byte) (int, error) {
	return unix.Read(int(r), p)
}

// Bytes must reach the wire in call order across every write variant, and
// each finalizer must run only after its payload drained.
func TestWriteFIFOUnderBackpressure(t *testing.T) {
	lo := mustLoop(t)
	if err := lo.Start(4); err != nil {
		t.Fatalf("Start: %v", err)
	}

	a, b := testSocketpair(t)
	defer unix.Close(b)
	unix.SetNonblock(a, true)
	// shrink the send buffer so the big write queues
	unix.SetsockoptInt(a, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096)

	f, err := os.CreateTemp(t.TempDir(), "tail")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString("0123456789"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}

	var expected bytes.Buffer
	big := bytes.Repeat([]byte("ABCDEFGH"), 32*1024)
	expected.Write(big)
	expected.WriteString("alpha")
	expected.WriteString("beta-gamma")
	expected.WriteString("0123456789")

	done := make(chan []byte, 1)
	go readAll(t, b, expected.Len(), done)

	var finBig, finTail atomic.Bool
	lo.WriteFin(a, big, func() { finBig.Store(true) })
	lo.Write(a, []byte("alpha"))
	lo.Writev(a, [][]byte{[]byte("beta-"), []byte("gamma")}, nil)
	lo.Sendfile(a, int(f.Fd()), 0, 10, func() { finTail.Store(true) })

	lo.Flush()

	select {
	case got := <-done:
		if !bytes.Equal(got, expected.Bytes()) {
			t.Errorf("byte order mismatch: want %d bytes, got %d", expected.Len(), len(got))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("reader did not finish")
	}

	if !finBig.Load() {
		t.Error("big-write finalizer did not run")
	}
	if !finTail.Load() {
		t.Error("sendfile finalizer did not run")
	}

	lo.Close()
	unix.Close(a)
}

// A committed Xfer drains as one FIFO unit.
func TestCommitXfer(t *testing.T) {
	lo := mustLoop(t)
	defer lo.Close()

	a, b := testSocketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)
	unix.SetNonblock(a, true)

	var x Xfer
	x.PushWrite([]byte("first"))
	x.PushWritev([][]byte{[]byte("-"), []byte("second")})
	var fin atomic.Bool
	x.PushFinalize(func() { fin.Store(true) })

	lo.Commit(a, &x)
	if !x.Empty() {
		t.Error("commit should leave the xfer empty")
	}

	want := "first-second"
	got := make([]byte, len(want))
	if _, err := io.ReadFull(fdReader(b), got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != want {
		t.Errorf("want %q, got %q", want, got)
	}
	if !fin.Load() {
		t.Error("finalizer did not run after inline drain")
	}
}

// When a queue is abandoned on a dead peer, pending finalizers still run so
// owned buffers are released.
func TestFinalizeOnAbandonedQueue(t *testing.T) {
	lo := mustLoop(t)
	if err := lo.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer lo.Close()

	a, b := testSocketpair(t)
	unix.SetNonblock(a, true)
	unix.SetsockoptInt(a, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096)

	var fin atomic.Bool
	big := bytes.Repeat([]byte("x"), 1<<20)
	lo.WriteFin(a, big, func() { fin.Store(true) })

	// nobody ever reads b; kill the peer so the queue hits a terminal error
	unix.Close(b)

	deadline := time.Now().Add(5 * time.Second)
	for !fin.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !fin.Load() {
		t.Fatal("finalizer did not run after the queue was abandoned")
	}

	lo.Flush() // must return: the engine is empty again
	unix.Close(a)
}
