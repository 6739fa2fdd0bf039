package vmm

import (
	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/mem"
	"github.com/dracoos/draco/kernel/mem/addr"
	"github.com/dracoos/draco/kernel/mem/pmm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = flushTLBEntry

	// zeroTableFn clears a freshly allocated page table through its HHDM
	// address. Tests override it since the fake tables they construct
	// are not necessarily page-aligned, so HHDM arithmetic over their
	// addresses would not round-trip.
	zeroTableFn = func(tableFrame pmm.Frame) {
		mem.Memset(addr.Physical(tableFrame.Address()).Virtual().Pointer(), 0, mem.PageSize)
	}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}

	// errMapOverExistingLeaf guards against silently replacing a live
	// mapping: Map only ever installs a fresh leaf, never swaps the frame
	// or flags underneath an already-present one.
	errMapOverExistingLeaf = &kernel.Error{Module: "vmm", Message: "attempted to map over an already-present leaf entry"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// Map establishes a mapping between a virtual page and a physical memory
// frame using the currently active root paging structure. Missing
// intermediate tables are allocated on demand via allocFn. Because every
// table is reachable through the higher-half direct map as soon as its
// frame is known, a freshly allocated table can be zeroed and linked in
// immediately; no temporary mapping is required to reach it.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place, flag it as present and flush its TLB entry.
		// Flags are OR-ed onto whatever the entry already carries rather
		// than overwriting it, so bits hardware sets (accessed, dirty)
		// are never silently stripped by a later Map call; a leaf that is
		// already present is a caller bug, not something to paper over.
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				panicFn(errMapOverExistingLeaf)
				return false
			}
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; allocate a physical frame for
		// it, zero it through its HHDM address and link it in.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame pmm.Frame
			newTableFrame, err = allocFn()
			if err != nil {
				return false
			}

			zeroTableFn(newTableFrame)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})

	return err
}

// Unmap removes a mapping previously installed via a call to Map.
func Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to set the
		// page as non-present and flush its TLB entry.
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		// Next table is not present; this is an invalid mapping.
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// pteForAddress returns the entry mapping virtAddr, along with the paging
// level it was found at, or ErrInvalidMapping if no such mapping exists. The
// returned level is pageLevels-1 for an ordinary 4 KiB leaf, or the level of
// a huge-page entry encountered above the leaf (1 at the P3/PDPT level for a
// 1 GiB page, 2 at the P2/PD level for a 2 MiB page).
func pteForAddress(virtAddr uintptr) (*pageTableEntry, uint8, *kernel.Error) {
	var (
		result *pageTableEntry
		level  uint8
		err    *kernel.Error
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) && pteLevel != pageLevels-1 {
			result, level = pte, pteLevel
			return false
		}

		if pteLevel == pageLevels-1 {
			result, level = pte, pteLevel
		}

		return true
	})

	return result, level, err
}
