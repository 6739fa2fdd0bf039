package vmm

import (
	"unsafe"

	"github.com/dracoos/draco/kernel/mem/addr"
)

// pageLevels is the number of paging levels supported by the x86-64 MMU in
// 4-level (non-LA57) mode: PML4, PDPT, PD and PT.
const pageLevels = 4

// pageLevelShifts holds, for each paging level, the bit shift of the least
// significant bit covered by an entry at that level. Level 0 is the PML4.
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

// pageLevelBits holds the number of index bits consumed at each paging
// level; always 9 on amd64 (512 entries per table).
var pageLevelBits = [pageLevels]uint{9, 9, 9, 9}

// rootTableFn returns the physical frame of the currently active top-level
// paging structure (CR3). It is swapped out by tests.
var rootTableFn = func() uintptr { return activePDTFn() }

// tableEntryPtr returns a pointer to the pageTableEntry at the given index
// inside the table whose physical base address is tableAddr. It is mocked
// by tests so that the walk logic can be exercised against plain Go slices
// instead of real physical memory.
var tableEntryPtr = func(tableAddr uintptr, index uint) *pageTableEntry {
	virt := addr.Physical(tableAddr).Virtual()
	base := (*[512]pageTableEntry)(unsafe.Pointer(uintptr(virt)))
	return &base[index]
}

// levelIndex extracts the page-table index for the given paging level out
// of a virtual address.
func levelIndex(virtAddr uintptr, level int) uint {
	return uint((virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1))
}

// walk traverses the paging structures for virtAddr starting at the active
// root table, invoking visit once per level with the entry that covers
// virtAddr at that level. visit returns false to abort the walk early (e.g.
// when an allocation fails or a huge page is encountered).
//
// Unlike the recursively-self-mapped scheme this replaces, every table in
// the walk is reached directly through the higher-half direct map, so no
// temporary mappings are ever required to inspect or modify an inactive
// table.
func walk(virtAddr uintptr, visit func(level uint8, pte *pageTableEntry) bool) {
	tableAddr := rootTableFn()

	for level := 0; level < pageLevels; level++ {
		index := levelIndex(virtAddr, level)
		pte := tableEntryPtr(tableAddr, index)

		if !visit(uint8(level), pte) {
			return
		}

		if level == pageLevels-1 {
			return
		}

		tableAddr = pte.Frame().Address()
	}
}
