package nvme

import (
	"testing"
	"unsafe"

	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/mem/heap"
	"github.com/stretchr/testify/require"
)

// fakeController emulates just enough of an NVMe controller's MMIO register
// window for Init to run to completion: CC/CSTS track the enable bit
// directly (no real reset delay), and any queue pair's doorbell ring is
// answered synchronously with a successful completion, mirroring
// installFakeDoorbells but discovered dynamically since Init allocates its
// own queue pairs that the test has no handle to in advance.
type fakeController struct {
	regs  map[uintptr]uint64
	cc    uint32
	admin *queuePair
	io    *queuePair
}

func newFakeController() *fakeController {
	return &fakeController{regs: make(map[uintptr]uint64)}
}

func (f *fakeController) install() func() {
	origRead32, origWrite32 := read32Fn, write32Fn
	origRead64, origWrite64 := read64Fn, write64Fn
	origPause := pauseFn

	read32Fn = func(a uintptr) uint32 {
		if a == regCSTS {
			return f.cc & ccEnable // CSTS.RDY mirrors CC.EN instantly
		}
		return uint32(f.regs[a])
	}
	write32Fn = func(a uintptr, v uint32) {
		if a == regCC {
			f.cc = v
			return
		}
		f.answerDoorbell(a)
		f.regs[a] = uint64(v)
	}
	read64Fn = func(a uintptr) uint64 { return f.regs[a] }
	write64Fn = func(a uintptr, v uint64) { f.regs[a] = v }
	pauseFn = func() {}

	return func() {
		read32Fn, write32Fn = origRead32, origWrite32
		read64Fn, write64Fn = origRead64, origWrite64
		pauseFn = origPause
	}
}

// answerDoorbell completes a command the instant its submission queue's
// tail doorbell is rung, for whichever queue pair that doorbell belongs to.
// Identify commands additionally get a plausible payload written to their
// PRP1 buffer, since Init inspects the result before returning.
func (f *fakeController) answerDoorbell(a uintptr) {
	for _, q := range []*queuePair{f.admin, f.io} {
		if q == nil {
			continue
		}
		if a != sqTailDoorbell(q.regBase, q.doorbellStride, q.id) {
			continue
		}

		lastIdx := (q.sqTail - 1 + queueDepth) % queueDepth
		entry := q.sq.entries.Virt()[lastIdx]
		if entry.cdw0&0xff == opIdentify {
			f.fillIdentify(entry)
		}

		phaseBit := uint16(0)
		if q.phase {
			phaseBit = 1
		}
		q.cq.entries.Virt()[q.cqHead] = completionEntry{statusPhase: phaseBit}
	}
}

// fillIdentify writes a minimal, internally-consistent Identify response
// into the command's data buffer: one namespace, 512-byte logical blocks,
// 1000 of them.
func (f *fakeController) fillIdentify(entry submissionEntry) {
	switch entry.cdw10 {
	case cnsController:
		ctrl := (*IdentifyController)(unsafe.Pointer(uintptr(entry.prp1)))
		ctrl.NumNamespaces = 1
	case cnsNamespace:
		ns := (*IdentifyNamespace)(unsafe.Pointer(uintptr(entry.prp1)))
		ns.NSize = 1000
		ns.FormattedLBA = 0
		ns.LBAFormats[0] = LBAFormat{LBADataSize: 9} // 2^9 = 512 bytes
	}
}

func TestControllerInit(t *testing.T) {
	f := newFakeController()
	defer f.install()()

	a := newTestHeap(t, 4<<20)

	// CAP.DSTRD = 0 -> doorbell stride of 4 bytes; regs map starts zeroed.
	f.regs[regCAP] = 0

	c, err := initWithHooks(t, f, a)
	require.Nil(t, err)
	require.NotZero(t, c.BlockSize)
	require.NotNil(t, c.io)
}

// initWithHooks calls Init, registering the admin/io queue pairs it creates
// with f as they come into existence so answerDoorbell can find them. Since
// Init owns queue-pair construction, this hooks newQueuePairHook instead of
// calling Init directly against opaque internals.
func initWithHooks(t *testing.T, f *fakeController, a *heap.LinkedListAllocator) (*Controller, *kernel.Error) {
	t.Helper()
	orig := newQueuePairHook
	newQueuePairHook = func(q *queuePair) {
		if q.id == 0 {
			f.admin = q
		} else {
			f.io = q
		}
	}
	defer func() { newQueuePairHook = orig }()

	c, err := Init(0, a)
	return c, err
}
