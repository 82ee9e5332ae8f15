package evloop

import (
	"sync/atomic"
	"testing"
	"time"
)

// A periodic timer that returns false on its third fire runs exactly three
// times and lets Run return cleanly.
func TestPeriodicTimerUnsubscribes(t *testing.T) {
	lo := mustLoop(t)
	defer lo.Close()

	var fires atomic.Int32
	start := time.Now()
	_, err := lo.AddTimer(100*time.Millisecond, 100*time.Millisecond, func() bool {
		n := fires.Add(1)
		if n >= 3 {
			lo.End()
			return false
		}
		return true
	})
	if err != nil {
		t.Fatalf("AddTimer: %v", err)
	}

	done := make(chan struct{})
	go func() {
		lo.Run(4)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after the timer unsubscribed")
	}
	elapsed := time.Since(start)

	// let any stray fire surface before counting
	time.Sleep(150 * time.Millisecond)
	if got := fires.Load(); got != 3 {
		t.Errorf("expected exactly 3 fires, got %d", got)
	}
	if elapsed < 250*time.Millisecond {
		t.Errorf("three 100ms periods finished too fast: %v", elapsed)
	}
	if elapsed > 5*time.Second {
		t.Errorf("three 100ms periods took too long: %v", elapsed)
	}
}

// A timer with no interval fires once regardless of its return value.
func TestOneShotTimer(t *testing.T) {
	lo := mustLoop(t)
	defer lo.Close()
	if err := lo.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var fires atomic.Int32
	_, err := lo.AddTimer(30*time.Millisecond, 0, func() bool {
		fires.Add(1)
		return true
	})
	if err != nil {
		t.Fatalf("AddTimer: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for fires.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Errorf("expected exactly 1 fire, got %d", got)
	}
}

// RemoveTimer cancels a periodic timer from outside its callback.
func TestRemoveTimer(t *testing.T) {
	lo := mustLoop(t)
	defer lo.Close()
	if err := lo.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var fires atomic.Int32
	id, err := lo.AddTimer(20*time.Millisecond, 20*time.Millisecond, func() bool {
		fires.Add(1)
		return true
	})
	if err != nil {
		t.Fatalf("AddTimer: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for fires.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	lo.RemoveTimer(id)

	frozen := fires.Load()
	time.Sleep(150 * time.Millisecond)
	// one in-flight fire may still land after removal
	if got := fires.Load(); got > frozen+1 {
		t.Errorf("timer kept firing after removal: %d -> %d", frozen, got)
	}
}
