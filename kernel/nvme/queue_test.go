package nvme

import (
	"testing"
	"unsafe"

	"github.com/dracoos/draco/kernel/mem/heap"
)

func newTestHeap(t *testing.T, size int) *heap.LinkedListAllocator {
	t.Helper()
	buf := make([]byte, size)
	a := &heap.LinkedListAllocator{}
	a.Init(uintptr(unsafe.Pointer(&buf[0])), uintptr(size))
	return a
}

// installFakeDoorbells overrides write32Fn so that ringing a queue pair's
// submission-queue tail doorbell immediately completes the command: it
// writes a matching-phase, zero-status completion entry into the queue's
// current completion head slot, emulating a synchronous device.
func installFakeDoorbells(pairs ...*queuePair) func() {
	origWrite32, origPause := write32Fn, pauseFn
	write32Fn = func(a uintptr, v uint32) {
		for _, q := range pairs {
			if a == sqTailDoorbell(q.regBase, q.doorbellStride, q.id) {
				phaseBit := uint16(0)
				if q.phase {
					phaseBit = 1
				}
				q.cq.entries.Virt()[q.cqHead] = completionEntry{statusPhase: phaseBit}
			}
		}
	}
	pauseFn = func() {}
	return func() { write32Fn, pauseFn = origWrite32, origPause }
}

func TestQueuePairSubmitSuccess(t *testing.T) {
	a := newTestHeap(t, 1<<20)
	q, err := newQueuePair(0, a, 0x1000, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer installFakeDoorbells(q)()

	cqe, err := q.submit(submissionEntry{cdw0: opIdentify})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cqe.status() != 0 {
		t.Fatalf("expected zero status; got %d", cqe.status())
	}
	if q.cqHead != 1 {
		t.Fatalf("expected cqHead to advance to 1; got %d", q.cqHead)
	}
}

func TestQueuePairSubmitError(t *testing.T) {
	a := newTestHeap(t, 1<<20)
	q, err := newQueuePair(0, a, 0x1000, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	origWrite32 := write32Fn
	write32Fn = func(addr uintptr, v uint32) {
		q.cq.entries.Virt()[q.cqHead] = completionEntry{statusPhase: 1 | (2 << 1)}
	}
	defer func() { write32Fn = origWrite32 }()

	if _, err := q.submit(submissionEntry{cdw0: opIdentify}); err != errCommandFailed {
		t.Fatalf("expected errCommandFailed; got %v", err)
	}
}

func TestQueuePairSubmitAssignsIncrementingCID(t *testing.T) {
	a := newTestHeap(t, 1<<20)
	q, err := newQueuePair(0, a, 0x1000, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer installFakeDoorbells(q)()

	if _, err := q.submit(submissionEntry{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.submit(submissionEntry{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := q.sq.entries.Virt()[0].cdw0 >> 16
	second := q.sq.entries.Virt()[1].cdw0 >> 16
	if second != first+1 {
		t.Fatalf("expected incrementing CIDs; got %d then %d", first, second)
	}
}
