// Package allocator implements the kernel's physical frame allocator.
//
// Its design is grounded in the boot-time allocator the teacher codebase
// uses to bootstrap the kernel before a general-purpose allocator exists: a
// cursor that walks the firmware memory map handing out the next free
// frame. This version extends that idea with a sorted free-list so that
// DeallocFrame is actually supported, which the boot memory allocator
// deliberately left unimplemented.
package allocator

import (
	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/boot"
	"github.com/dracoos/draco/kernel/kfmt/early"
	"github.com/dracoos/draco/kernel/mem"
	"github.com/dracoos/draco/kernel/mem/pmm"
)

var (
	errUnsupportedPageOrder = &kernel.Error{Module: "pmm_alloc", Message: "allocator only supports order(0) allocation requests"}
	errOutOfMemory          = &kernel.Error{Module: "pmm_alloc", Message: "out of memory"}
	errDoubleFree           = &kernel.Error{Module: "pmm_alloc", Message: "frame is already free"}
)

// region is a half-open [startFrame, endFrame) range of usable frames.
type region struct {
	start, end pmm.Frame
}

// FrameAllocator hands out physical frames from the firmware-reported
// usable memory regions. Allocation walks the regions in ascending address
// order using a cursor, exactly like the boot-time allocator it is
// grounded on; freed frames are pushed onto a sorted free-list and always
// preferred over advancing the cursor, which keeps memory compact and lets
// Dealloc actually be useful.
type FrameAllocator struct {
	regions []region
	// cursor indexes into regions; cursorFrame is the next frame to hand
	// out from regions[cursor].
	cursor      int
	cursorFrame pmm.Frame

	// free holds previously-deallocated frames in ascending order so
	// Alloc can pop the lowest one in O(1) and Dealloc can insert in
	// O(n). The kernel frees frames rarely enough (process teardown)
	// that this is not a hot path.
	free []pmm.Frame

	allocCount uint64
	freeCount  uint64
}

// Init populates the allocator from the bootloader-reported usable memory
// regions and logs a summary of the total free memory found.
func (a *FrameAllocator) Init(mm []boot.MemoryRegion) {
	var total mem.Size
	for _, r := range mm {
		if r.Type != boot.MemoryUsable {
			continue
		}

		startFrame := pmm.Frame((uint64(r.Range.Start) + uint64(mem.PageSize) - 1) >> mem.PageShift)
		endFrame := pmm.Frame(uint64(r.Range.End+1) >> mem.PageShift)
		if endFrame <= startFrame {
			continue
		}

		a.regions = append(a.regions, region{start: startFrame, end: endFrame})
		total += mem.Size(uint64(endFrame-startFrame)) * mem.PageSize
	}

	if len(a.regions) > 0 {
		a.cursorFrame = a.regions[0].start
	}

	early.Printf("[pmm_alloc] %d usable region(s), %d KiB free\n", len(a.regions), uint64(total/mem.Kb))
}

// AllocFrame reserves and returns the next available physical frame. Only
// order(0) (single page) requests are supported.
func (a *FrameAllocator) AllocFrame(order mem.PageOrder) (pmm.Frame, *kernel.Error) {
	if order != 0 {
		return pmm.InvalidFrame, errUnsupportedPageOrder
	}

	if n := len(a.free); n > 0 {
		f := a.free[0]
		a.free = a.free[1:]
		a.allocCount++
		a.freeCount--
		return f, nil
	}

	for a.cursor < len(a.regions) {
		r := a.regions[a.cursor]
		if a.cursorFrame < r.start {
			a.cursorFrame = r.start
		}
		if a.cursorFrame < r.end {
			f := a.cursorFrame
			a.cursorFrame++
			a.allocCount++
			return f, nil
		}

		a.cursor++
		if a.cursor < len(a.regions) {
			a.cursorFrame = a.regions[a.cursor].start
		}
	}

	return pmm.InvalidFrame, errOutOfMemory
}

// DeallocFrame returns a previously allocated frame to the allocator.
func (a *FrameAllocator) DeallocFrame(f pmm.Frame) *kernel.Error {
	pos := 0
	for pos < len(a.free) && a.free[pos] < f {
		if a.free[pos] == f {
			return errDoubleFree
		}
		pos++
	}
	if pos < len(a.free) && a.free[pos] == f {
		return errDoubleFree
	}

	a.free = append(a.free, 0)
	copy(a.free[pos+1:], a.free[pos:])
	a.free[pos] = f

	a.freeCount++
	return nil
}

// Stats reports the running allocation/free counters, primarily for tests
// and diagnostics.
func (a *FrameAllocator) Stats() (allocated, freed uint64) {
	return a.allocCount, a.freeCount
}

// EarlyAllocator is the single FrameAllocator instance used throughout the
// kernel; it is populated once during Init and from then on accessed
// through the package-level AllocFrame helper so that callers
// (such as goruntime, which cannot hold a reference before packages are
// wired together) don't need to thread an allocator instance through.
var EarlyAllocator FrameAllocator

// AllocFrame delegates to EarlyAllocator.AllocFrame with order(0), matching
// the vmm.FrameAllocatorFn signature vmm expects.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return EarlyAllocator.AllocFrame(0)
}
