package nvme

import (
	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/config"
	"github.com/dracoos/draco/kernel/cpu"
	"github.com/dracoos/draco/kernel/mem/heap"
)

var errCommandFailed = &kernel.Error{Module: "nvme", Message: "command completed with non-zero status"}

// submissionEntry is a 64-byte NVMe submission queue entry. Only the
// common dword0 fields and the two-PRP data pointer are named; cdw10-15 are
// interpreted differently by each opcode.
type submissionEntry struct {
	cdw0     uint32 // opcode | fused<<8 | psdt<<14
	nsid     uint32
	rsvd2    uint64
	metadata uint64
	prp1     uint64
	prp2     uint64
	cdw10    uint32
	cdw11    uint32
	cdw12    uint32
	cdw13    uint32
	cdw14    uint32
	cdw15    uint32
}

// completionEntry is a 16-byte NVMe completion queue entry.
type completionEntry struct {
	result      uint32
	rsvd        uint32
	sqHead      uint16
	sqID        uint16
	cid         uint16
	statusPhase uint16 // bit 0 = phase tag, bits 1-15 = status field
}

func (c *completionEntry) phase() bool    { return c.statusPhase&1 != 0 }
func (c *completionEntry) status() uint16 { return c.statusPhase >> 1 }

const queueDepth = config.NVMeQueueDepth

// ring is a DMA-backed array of queueDepth entries of type T.
type ring[T any] struct {
	entries heap.Dma[[queueDepth]T]
}

func newRing[T any](a *heap.LinkedListAllocator) (ring[T], *kernel.Error) {
	d, err := heap.NewDma[[queueDepth]T](a, 4096)
	if err != nil {
		return ring[T]{}, err
	}
	return ring[T]{entries: d}, nil
}

// queuePair owns one submission/completion queue pair and the cursors
// needed to drive it: a submission tail, a completion head, and the
// completion phase bit that flips every time the completion queue wraps.
type queuePair struct {
	id     uint16
	sq     ring[submissionEntry]
	cq     ring[completionEntry]
	sqTail uint32
	cqHead uint32
	phase  bool

	regBase        uintptr
	doorbellStride uintptr
	nextCID        uint16
}

func newQueuePair(id uint16, a *heap.LinkedListAllocator, regBase uintptr, stride uintptr) (*queuePair, *kernel.Error) {
	sq, err := newRing[submissionEntry](a)
	if err != nil {
		return nil, err
	}
	cq, err := newRing[completionEntry](a)
	if err != nil {
		return nil, err
	}
	q := &queuePair{
		id:             id,
		sq:             sq,
		cq:             cq,
		phase:          true,
		regBase:        regBase,
		doorbellStride: stride,
	}
	newQueuePairHook(q)
	return q, nil
}

// newQueuePairHook is called with every queue pair as it is constructed;
// tests that cannot otherwise obtain a handle to the pairs Init creates
// internally use it to wire up a fake device's doorbell emulation.
var newQueuePairHook = func(*queuePair) {}

// submit writes entry into the next submission slot, rings the doorbell,
// and busy-polls the completion queue until the entry at its head carries
// the current phase tag. That entry is taken as this command's completion;
// its command ID is not compared.
func (q *queuePair) submit(entry submissionEntry) (completionEntry, *kernel.Error) {
	cid := q.nextCID
	q.nextCID++
	entry.cdw0 |= uint32(cid) << 16

	q.sq.entries.Virt()[q.sqTail] = entry
	q.sqTail = (q.sqTail + 1) % queueDepth
	write32Fn(sqTailDoorbell(q.regBase, q.doorbellStride, q.id), q.sqTail)

	for {
		cqe := &q.cq.entries.Virt()[q.cqHead]
		if cqe.phase() == q.phase {
			q.cqHead = (q.cqHead + 1) % queueDepth
			if q.cqHead == 0 {
				q.phase = !q.phase
			}
			write32Fn(cqHeadDoorbell(q.regBase, q.doorbellStride, q.id), q.cqHead)

			if cqe.status() != 0 {
				return *cqe, errCommandFailed
			}
			return *cqe, nil
		}
		pauseFn()
	}
}

// pauseFn issues the busy-wait hint used while polling for a completion;
// mocked by tests to avoid spinning forever against a fake queue.
var pauseFn = cpu.Pause
