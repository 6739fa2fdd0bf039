// Package heap implements a free-list allocator for raw, non-GC-visible
// memory: the DMA pool the NVMe driver hands to the controller and any
// other allocation that must live at a fixed address the Go runtime's
// garbage collector is not allowed to move.
//
// Its design is grounded in the physical frame allocator's free-list
// bookkeeping (kernel/mem/pmm/allocator): blocks, like frames, are kept
// sorted by address so adjacent ones can be merged back together.
package heap

import (
	"unsafe"

	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/mem/addr"
)

var (
	errOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}
	errInvalidFree = &kernel.Error{Module: "heap", Message: "pointer does not belong to this heap"}
)

// blockHeader is stored in-place at the start of every free block.
type blockHeader struct {
	size uint64
	next *blockHeader
}

const headerSize = unsafe.Sizeof(blockHeader{})

// LinkedListAllocator is a singly-linked free-list allocator over a single
// contiguous backing region. Free blocks are kept in ascending
// start-address order so adjacent blocks can be merged on free.
type LinkedListAllocator struct {
	base uintptr
	size uintptr
	head *blockHeader
}

// Init prepares the allocator to serve allocations out of [base, base+size).
func (a *LinkedListAllocator) Init(base uintptr, size uintptr) {
	a.base = base
	a.size = size
	a.head = nil
	a.addFreeBlock(base, size)
}

// addFreeBlock inserts a block at [addr, addr+size) into the free list in
// address order, merging with a neighbor whose end or start touches it. A
// block smaller than a header is dropped; it can never be allocated or
// tracked.
func (a *LinkedListAllocator) addFreeBlock(addr uintptr, size uintptr) {
	if size < uintptr(headerSize) {
		return
	}

	block := (*blockHeader)(unsafe.Pointer(addr))
	block.size = uint64(size)

	var prev *blockHeader
	cur := a.head
	for cur != nil && uintptr(unsafe.Pointer(cur)) < addr {
		prev = cur
		cur = cur.next
	}

	block.next = cur
	if prev == nil {
		a.head = block
	} else {
		prev.next = block
	}

	mergeForward(block)
	if prev != nil {
		mergeForward(prev)
	}
}

// mergeForward absorbs block's immediate successor into it, repeating for
// as long as the merged block's end address touches its new successor.
func mergeForward(block *blockHeader) {
	for block != nil && block.next != nil {
		blockEnd := uintptr(unsafe.Pointer(block)) + uintptr(block.size)
		if blockEnd != uintptr(unsafe.Pointer(block.next)) {
			break
		}
		block.size += block.next.size
		block.next = block.next.next
	}
}

// Alloc returns the address of a block of at least size bytes, aligned to
// align (which must be a power of two), removing it (or a remainder split
// off from it) from the free list.
func (a *LinkedListAllocator) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if size < uintptr(headerSize) {
		size = uintptr(headerSize)
	}

	var prev *blockHeader
	cur := a.head
	for cur != nil {
		start := uintptr(unsafe.Pointer(cur))
		alignedStart := (start + align - 1) &^ (align - 1)
		padding := alignedStart - start
		need := padding + size

		if uintptr(cur.size) >= need {
			a.removeBlock(prev, cur)

			if padding > 0 {
				a.addFreeBlock(start, padding)
			}

			remainder := uintptr(cur.size) - need
			if remainder > 0 {
				a.addFreeBlock(alignedStart+size, remainder)
			}

			return alignedStart, nil
		}

		prev = cur
		cur = cur.next
	}

	return 0, errOutOfMemory
}

func (a *LinkedListAllocator) removeBlock(prev, block *blockHeader) {
	if prev == nil {
		a.head = block.next
	} else {
		prev.next = block.next
	}
}

// Free returns the block at [addr, addr+size) to the allocator.
func (a *LinkedListAllocator) Free(addr, size uintptr) *kernel.Error {
	if addr < a.base || addr+size > a.base+a.size {
		return errInvalidFree
	}
	a.addFreeBlock(addr, size)
	return nil
}

// Dma is a kernel-heap allocation exposed through both its physical and
// virtual addresses, for hardware (DMA descriptors, NVMe queues) that must
// be told a physical address while kernel code keeps dereferencing the
// virtual one. Modeled as two wrapper types per the physical/virtual
// address duality used throughout kernel/mem; the heap itself is carved out
// of HHDM-mapped memory, so the physical view is a plain HHDM subtraction.
type Dma[T any] struct {
	virt *T
}

// NewDma carves space for a value of type T out of a, aligned to align, and
// returns both addressing views of it.
func NewDma[T any](a *LinkedListAllocator, align uintptr) (Dma[T], *kernel.Error) {
	var zero T
	allocAddr, err := a.Alloc(unsafe.Sizeof(zero), align)
	if err != nil {
		return Dma[T]{}, err
	}
	return Dma[T]{virt: (*T)(unsafe.Pointer(allocAddr))}, nil
}

// Phys returns the physical address to hand to a DMA-capable device.
func (d Dma[T]) Phys() uintptr {
	return uintptr(addr.Virtual(uint64(uintptr(unsafe.Pointer(d.virt)))).Physical())
}

// Virt returns the pointer kernel code dereferences.
func (d Dma[T]) Virt() *T { return d.virt }

// DmaBytes is the variable-length counterpart to Dma[T], for transfers whose
// size is only known at call time (block-device reads/writes) rather than
// fixed by a Go type (queues, identify responses).
type DmaBytes struct {
	base uintptr
	size uintptr
}

// NewDmaBytes carves size bytes out of a, aligned to align, for use as a DMA
// bounce buffer. The caller must Free it once the transfer completes.
func NewDmaBytes(a *LinkedListAllocator, size, align uintptr) (DmaBytes, *kernel.Error) {
	base, err := a.Alloc(size, align)
	if err != nil {
		return DmaBytes{}, err
	}
	return DmaBytes{base: base, size: size}, nil
}

// Phys returns the physical address to hand to a DMA-capable device.
func (d DmaBytes) Phys() uintptr {
	return uintptr(addr.Virtual(uint64(d.base)).Physical())
}

// Bytes returns the byte slice kernel code reads or fills.
func (d DmaBytes) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(d.base)), d.size)
}

// Free returns the buffer to a.
func (d DmaBytes) Free(a *LinkedListAllocator) *kernel.Error {
	return a.Free(d.base, d.size)
}
