package sync

import "testing"

func TestSpinlockTryToAcquire(t *testing.T) {
	var l Spinlock

	if !l.TryToAcquire() {
		t.Fatal("expected first acquire to succeed")
	}
	if l.TryToAcquire() {
		t.Fatal("expected second acquire on a held lock to fail")
	}

	l.Release()
	if !l.TryToAcquire() {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestSpinlockAcquireWaitsForRelease(t *testing.T) {
	var l Spinlock
	l.Acquire()

	pauses := 0
	orig := pauseFn
	defer func() { pauseFn = orig }()
	pauseFn = func() {
		pauses++
		if pauses == 3 {
			l.Release()
		}
	}

	l.Acquire()
	if pauses < 3 {
		t.Fatalf("expected Acquire to spin at least until release; paused %d times", pauses)
	}
}
