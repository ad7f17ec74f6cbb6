package engine

import (
	"testing"
	"time"
)

func TestSlotPoolImmediateAcquire(t *testing.T) {
	s := newSlotPool(2)

	for _, id := range []string{"a", "b"} {
		if !s.Acquire(id, nil) {
			t.Fatalf("acquire %s failed", id)
		}
	}
	if got := s.InUse(); got != 2 {
		t.Errorf("in use %d, want 2", got)
	}

	s.Release("a")
	if !s.Acquire("c", nil) {
		t.Fatal("acquire after release failed")
	}
}

func TestSlotPoolUnlimited(t *testing.T) {
	s := newSlotPool(0)

	for _, id := range []string{"a", "b", "c", "d"} {
		done := make(chan bool, 1)
		go func() { done <- s.Acquire(id, nil) }()
		select {
		case ok := <-done:
			if !ok {
				t.Fatalf("acquire %s failed", id)
			}
		case <-time.After(time.Second):
			t.Fatalf("unlimited pool blocked acquiring %s", id)
		}
	}
}

func TestSlotPoolFIFOHandOff(t *testing.T) {
	s := newSlotPool(1)
	if !s.Acquire("holder", nil) {
		t.Fatal("initial acquire failed")
	}

	order := make(chan string, 3)
	for i, id := range []string{"first", "second", "third"} {
		go func() {
			if s.Acquire(id, nil) {
				order <- id
			}
		}()
		// Wait for the goroutine to join the queue so arrival order is fixed.
		for s.Pending() != i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	s.Release("holder")
	for _, want := range []string{"first", "second", "third"} {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("slot granted to %s, want %s", got, want)
			}
			s.Release(got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestSlotPoolCancel(t *testing.T) {
	s := newSlotPool(1)
	if !s.Acquire("holder", nil) {
		t.Fatal("initial acquire failed")
	}

	cancel := make(chan struct{})
	result := make(chan bool)
	go func() { result <- s.Acquire("waiter", cancel) }()

	for s.Pending() != 1 {
		time.Sleep(time.Millisecond)
	}
	close(cancel)

	select {
	case ok := <-result:
		if ok {
			t.Fatal("cancelled acquire reported success")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}

	// The cancelled waiter must not consume the next free slot.
	s.Release("holder")
	if !s.Acquire("next", nil) {
		t.Fatal("acquire after cancelled waiter failed")
	}
}

func TestSlotPoolReleasePanicsForNonOwner(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	newSlotPool(1).Release("nobody")
}
