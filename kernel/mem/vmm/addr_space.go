package vmm

import (
	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/mem"
)

// earlyReserveTop is the highest virtual address handed out by
// EarlyReserveRegion. It sits just below the canonical-address hole's
// negative half, well above the HHDM and any ELF image the kernel loads, so
// reservations can never collide with them.
const earlyReserveTop = uintptr(0xffff_fe00_0000_0000)

// earlyReserveLastUsed tracks the last reserved page address and decreases
// after each allocation request.
var earlyReserveLastUsed = earlyReserveTop

var errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory
// region of the requested size, counting down from earlyReserveTop, and
// returns its starting address. Sizes that are not a multiple of
// mem.PageSize are rounded up.
//
// This is used by the goruntime package to carve out address space for the
// Go allocator's arenas before a general-purpose virtual memory allocator
// exists; it hands out address space only, not physical memory.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}
