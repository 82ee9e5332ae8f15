package evloop

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// Three SIGUSR1 deliveries 50ms apart reach the handler exactly three
// times; the third unsubscribes and ends the loop.
func TestSignalFanIn(t *testing.T) {
	lo := mustLoop(t)
	defer lo.Close()

	var fires atomic.Int32
	_, err := lo.AddSignal(syscall.SIGUSR1, func() bool {
		if fires.Add(1) >= 3 {
			lo.End()
			return false
		}
		return true
	})
	if err != nil {
		t.Fatalf("AddSignal: %v", err)
	}

	if err := lo.Start(3); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pid := unix.Getpid()
	for i := 0; i < 3; i++ {
		time.Sleep(50 * time.Millisecond)
		if err := unix.Kill(pid, unix.SIGUSR1); err != nil {
			t.Fatalf("kill: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		lo.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Join did not return after the third signal")
	}

	time.Sleep(100 * time.Millisecond)
	if got := fires.Load(); got != 3 {
		t.Errorf("expected exactly 3 signal fires, got %d", got)
	}
}

// RemoveSignal unsubscribes; later deliveries are ignored.
func TestRemoveSignal(t *testing.T) {
	// keep the runtime's handler installed across RemoveSignal so the
	// post-removal delivery cannot revert to the default disposition and
	// terminate the test process
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, syscall.SIGUSR2)
	defer signal.Stop(guard)

	lo := mustLoop(t)
	defer lo.Close()
	if err := lo.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var fires atomic.Int32
	id, err := lo.AddSignal(syscall.SIGUSR2, func() bool {
		fires.Add(1)
		return true
	})
	if err != nil {
		t.Fatalf("AddSignal: %v", err)
	}

	pid := unix.Getpid()
	unix.Kill(pid, unix.SIGUSR2)
	deadline := time.Now().Add(5 * time.Second)
	for fires.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fires.Load() == 0 {
		t.Fatal("signal handler never fired")
	}

	lo.RemoveSignal(id)
	time.Sleep(50 * time.Millisecond)
	frozen := fires.Load()
	unix.Kill(pid, unix.SIGUSR2)
	time.Sleep(150 * time.Millisecond)
	if got := fires.Load(); got != frozen {
		t.Errorf("removed signal handler fired again: %d -> %d", frozen, got)
	}
}
