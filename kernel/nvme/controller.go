package nvme

import (
	"unsafe"

	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/mem/heap"
)

var (
	errControllerNotReady = &kernel.Error{Module: "nvme", Message: "controller did not become ready"}
	errNoNamespace        = &kernel.Error{Module: "nvme", Message: "namespace 1 not found"}
)

// Admin opcodes.
const (
	opDeleteIOSQ   = 0x00
	opCreateIOSQ   = 0x01
	opDeleteIOCQ   = 0x04
	opCreateIOCQ   = 0x05
	opIdentify     = 0x06
)

// I/O opcodes.
const (
	opWrite = 0x01
	opRead  = 0x02
)

// Identify CNS values.
const (
	cnsNamespace  = 0x00
	cnsController = 0x01
)

const spinLimit = 1_000_000

// Controller owns a single NVMe controller's admin queue and one I/O queue,
// matching the data model's "a controller owns an admin queue group and one
// I/O queue group".
type Controller struct {
	regBase uintptr
	stride  uintptr

	admin *queuePair
	io    *queuePair

	heap *heap.LinkedListAllocator

	BlockSize uint32
	NumBlocks uint64
}

// Init resets, enables and brings up regBase's admin queue, identifies the
// controller and namespace 1, and creates a single I/O queue pair (ID 1).
// heapAlloc supplies DMA-backed memory for the queues and the identify
// buffers.
func Init(regBase uintptr, heapAlloc *heap.LinkedListAllocator) (*Controller, *kernel.Error) {
	capReg := read64Fn(regBase + regCAP)
	stride := doorbellStride(capReg)

	write32Fn(regBase+regCC, 0) // CC.EN = 0: reset
	if err := waitFor(regBase, cstsReady, false); err != nil {
		return nil, err
	}

	admin, err := newQueuePair(0, heapAlloc, regBase, stride)
	if err != nil {
		return nil, err
	}

	write32Fn(regBase+regAQA, uint32(queueDepth-1)<<16|uint32(queueDepth-1))
	write64Fn(regBase+regASQ, uint64(admin.sq.entries.Phys()))
	write64Fn(regBase+regACQ, uint64(admin.cq.entries.Phys()))

	write32Fn(regBase+regCC, ccEnable|ccIOSQES6|ccIOCQES4)
	if err := waitFor(regBase, cstsReady, true); err != nil {
		return nil, err
	}

	c := &Controller{regBase: regBase, stride: stride, admin: admin, heap: heapAlloc}

	if err := c.bringUpIOQueue(); err != nil {
		return nil, err
	}
	if err := c.identify(); err != nil {
		return nil, err
	}

	return c, nil
}

func waitFor(regBase uintptr, bit uint32, want bool) *kernel.Error {
	for i := 0; i < spinLimit; i++ {
		ready := read32Fn(regBase+regCSTS)&bit != 0
		if ready == want {
			return nil
		}
		pauseFn()
	}
	return errControllerNotReady
}

func (c *Controller) bringUpIOQueue() *kernel.Error {
	io, err := newQueuePair(1, c.heap, c.regBase, c.stride)
	if err != nil {
		return err
	}

	// Create I/O Completion Queue before the Submission Queue that
	// references it, per the NVMe admin command ordering requirement.
	var cqe submissionEntry
	cqe.cdw0 = opCreateIOCQ
	cqe.prp1 = uint64(io.cq.entries.Phys())
	cqe.cdw10 = uint32(queueDepth-1)<<16 | uint32(io.id)
	cqe.cdw11 = 1 // physically contiguous
	if _, err := c.admin.submit(cqe); err != nil {
		return err
	}

	var sqe submissionEntry
	sqe.cdw0 = opCreateIOSQ
	sqe.prp1 = uint64(io.sq.entries.Phys())
	sqe.cdw10 = uint32(queueDepth-1)<<16 | uint32(io.id)
	sqe.cdw11 = uint32(io.id)<<16 | 1 // associated CQ ID | physically contiguous
	if _, err := c.admin.submit(sqe); err != nil {
		return err
	}

	c.io = io
	return nil
}

func (c *Controller) identify() *kernel.Error {
	ctrl, err := heap.NewDma[IdentifyController](c.heap, 4096)
	if err != nil {
		return err
	}
	var ctrlCmd submissionEntry
	ctrlCmd.cdw0 = opIdentify
	ctrlCmd.prp1 = uint64(ctrl.Phys())
	ctrlCmd.cdw10 = cnsController
	if _, err := c.admin.submit(ctrlCmd); err != nil {
		return err
	}
	if ctrl.Virt().NumNamespaces == 0 {
		return errNoNamespace
	}

	ns, err := heap.NewDma[IdentifyNamespace](c.heap, 4096)
	if err != nil {
		return err
	}
	var nsCmd submissionEntry
	nsCmd.cdw0 = opIdentify
	nsCmd.nsid = 1
	nsCmd.prp1 = uint64(ns.Phys())
	nsCmd.cdw10 = cnsNamespace
	if _, err := c.admin.submit(nsCmd); err != nil {
		return err
	}

	c.BlockSize = ns.Virt().BlockSize()
	c.NumBlocks = ns.Virt().NSize
	return nil
}

// ReadBlocks reads count logical blocks starting at lba from namespace 1
// into buf, which must be at least count*BlockSize bytes. buf itself need
// not be DMA-capable; the transfer goes through a bounce buffer carved out
// of c.heap, since the controller can only be told a physical bus address
// and buf is frequently an ordinary stack or GC-visible allocation (e.g.
// fs.ReadSector's [fs.SectorSize]byte).
func (c *Controller) ReadBlocks(lba uint64, count uint16, buf unsafe.Pointer) *kernel.Error {
	size := uintptr(count) * uintptr(c.BlockSize)
	dma, err := heap.NewDmaBytes(c.heap, size, 4096)
	if err != nil {
		return err
	}
	defer dma.Free(c.heap)

	var e submissionEntry
	e.cdw0 = opRead
	e.nsid = 1
	e.prp1 = uint64(dma.Phys())
	e.cdw10 = uint32(lba)
	e.cdw11 = uint32(lba >> 32)
	e.cdw12 = uint32(count - 1)
	if _, err := c.io.submit(e); err != nil {
		return err
	}

	dst := unsafe.Slice((*byte)(buf), size)
	copy(dst, dma.Bytes())
	return nil
}

// WriteBlocks writes count logical blocks from buf to namespace 1 starting
// at lba, via the same bounce buffer ReadBlocks uses.
func (c *Controller) WriteBlocks(lba uint64, count uint16, buf unsafe.Pointer) *kernel.Error {
	size := uintptr(count) * uintptr(c.BlockSize)
	dma, err := heap.NewDmaBytes(c.heap, size, 4096)
	if err != nil {
		return err
	}
	defer dma.Free(c.heap)

	src := unsafe.Slice((*byte)(buf), size)
	copy(dma.Bytes(), src)

	var e submissionEntry
	e.cdw0 = opWrite
	e.nsid = 1
	e.prp1 = uint64(dma.Phys())
	e.cdw10 = uint32(lba)
	e.cdw11 = uint32(lba >> 32)
	e.cdw12 = uint32(count - 1)
	_, err = c.io.submit(e)
	return err
}
