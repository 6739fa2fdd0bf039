package vmm

import (
	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/mem"
	"github.com/dracoos/draco/kernel/mem/addr"
	"github.com/dracoos/draco/kernel/mem/pmm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = activePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = switchPDT

	// mapFn is used by tests and is automatically inlined by the compiler.
	mapFn = Map

	// unmapFn is used by tests and is automatically inlined by the compiler.
	unmapFn = Unmap
)

// PageDirectoryTable describes the top-level (PML4) paging structure for the
// single address space the kernel maintains. There is no support for
// multiple, independently activatable address spaces: Draco runs everything
// (kernel and the one loaded ELF program) inside a single page table tree,
// so unlike the recursively self-mapped scheme this replaces, a
// PageDirectoryTable is always addressable through the HHDM and never needs
// a temporary mapping to be inspected or modified while inactive.
type PageDirectoryTable struct {
	pdtFrame pmm.Frame
}

// Init sets up the page table directory starting at the supplied physical
// frame. If the frame does not match the currently active root table, its
// contents are zeroed through its HHDM address.
func (pdt *PageDirectoryTable) Init(pdtFrame pmm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	if pdtFrame.Address() == activePDTFn() {
		return nil
	}

	mem.Memset(addr.Physical(pdtFrame.Address()).Virtual().Pointer(), 0, mem.PageSize)
	return nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame using this PDT as the root table.
func (pdt PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	return withRootTable(pdt.pdtFrame, func() *kernel.Error {
		return mapFn(page, frame, flags, allocFn)
	})
}

// Unmap removes a mapping previously installed by a call to Map() on this PDT.
func (pdt PageDirectoryTable) Unmap(page Page) *kernel.Error {
	return withRootTable(pdt.pdtFrame, func() *kernel.Error {
		return unmapFn(page)
	})
}

// Activate loads this page directory table into CR3 and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// withRootTable temporarily points the paging walk at pdtFrame's table for
// the duration of fn, restoring the previously active root table
// afterwards. This lets callers operate on a PDT other than the currently
// active one without switching CR3.
func withRootTable(pdtFrame pmm.Frame, fn func() *kernel.Error) *kernel.Error {
	prev := rootTableFn
	rootTableFn = func() uintptr { return pdtFrame.Address() }
	defer func() { rootTableFn = prev }()

	return fn()
}
