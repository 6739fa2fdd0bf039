package vmm

import (
	"testing"
	"unsafe"

	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/mem"
	"github.com/dracoos/draco/kernel/mem/pmm"
)

func TestPageDirectoryTableInit(t *testing.T) {
	defer func(origActivePDT func() uintptr) {
		activePDTFn = origActivePDT
	}(activePDTFn)

	t.Run("already active PDT", func(t *testing.T) {
		var (
			pdt      PageDirectoryTable
			pdtFrame = pmm.Frame(123)
		)

		activePDTFn = func() uintptr { return pdtFrame.Address() }

		if err := pdt.Init(pdtFrame); err != nil {
			t.Fatal(err)
		}

		if pdt.pdtFrame != pdtFrame {
			t.Fatalf("expected pdtFrame to be set to %v; got %v", pdtFrame, pdt.pdtFrame)
		}
	})

	t.Run("inactive PDT", func(t *testing.T) {
		var (
			pdt                              PageDirectoryTable
			physPage [mem.PageSize]byte
		)

		// Fill page with junk so we can assert it gets cleared.
		mem.Memset(uintptr(unsafe.Pointer(&physPage[0])), 0xf0, mem.PageSize)

		pdtFrame := pmm.Frame(uintptr(unsafe.Pointer(&physPage[0])) >> mem.PageShift)

		activePDTFn = func() uintptr { return 0 }

		if err := pdt.Init(pdtFrame); err != nil {
			t.Fatal(err)
		}

		for i, b := range physPage {
			if b != 0 {
				t.Fatalf("expected page byte %d to be cleared; got %x", i, b)
			}
		}
	})
}

func TestPageDirectoryTableMap(t *testing.T) {
	defer func(origRoot func() uintptr, origMap func(Page, pmm.Frame, PageTableEntryFlag, FrameAllocatorFn) *kernel.Error) {
		rootTableFn = origRoot
		mapFn = origMap
	}(rootTableFn, mapFn)

	var (
		pdtFrame = pmm.Frame(123)
		pdt      = PageDirectoryTable{pdtFrame: pdtFrame}
		page     = PageFromAddress(uintptr(100 * mem.Mb))
	)

	var seenRoot uintptr
	mapFn = func(_ Page, _ pmm.Frame, _ PageTableEntryFlag, _ FrameAllocatorFn) *kernel.Error {
		seenRoot = rootTableFn()
		return nil
	}

	if err := pdt.Map(page, pmm.Frame(321), FlagRW, nil); err != nil {
		t.Fatal(err)
	}

	if seenRoot != pdtFrame.Address() {
		t.Fatalf("expected Map to be called with rootTableFn pointing at %v; got %v", pdtFrame.Address(), seenRoot)
	}
}

func TestPageDirectoryTableUnmap(t *testing.T) {
	defer func(origRoot func() uintptr, origUnmap func(Page) *kernel.Error) {
		rootTableFn = origRoot
		unmapFn = origUnmap
	}(rootTableFn, unmapFn)

	var (
		pdtFrame = pmm.Frame(123)
		pdt      = PageDirectoryTable{pdtFrame: pdtFrame}
		page     = PageFromAddress(uintptr(100 * mem.Mb))
	)

	var seenRoot uintptr
	unmapFn = func(_ Page) *kernel.Error {
		seenRoot = rootTableFn()
		return nil
	}

	if err := pdt.Unmap(page); err != nil {
		t.Fatal(err)
	}

	if seenRoot != pdtFrame.Address() {
		t.Fatalf("expected Unmap to be called with rootTableFn pointing at %v; got %v", pdtFrame.Address(), seenRoot)
	}
}

func TestPageDirectoryTableActivate(t *testing.T) {
	defer func(origSwitchPDT func(uintptr)) {
		switchPDTFn = origSwitchPDT
	}(switchPDTFn)

	var (
		pdtFrame = pmm.Frame(123)
		pdt      = PageDirectoryTable{pdtFrame: pdtFrame}
	)

	switchPDTCallCount := 0
	switchPDTFn = func(_ uintptr) {
		switchPDTCallCount++
	}

	pdt.Activate()
	if exp := 1; switchPDTCallCount != exp {
		t.Fatalf("expected switchPDT to be called %d times; called %d", exp, switchPDTCallCount)
	}
}

func TestWithRootTable(t *testing.T) {
	defer func(origRoot func() uintptr) {
		rootTableFn = origRoot
	}(rootTableFn)

	rootTableFn = func() uintptr { return 0xdead }

	pdtFrame := pmm.Frame(123)
	var sawRoot uintptr
	err := withRootTable(pdtFrame, func() *kernel.Error {
		sawRoot = rootTableFn()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if sawRoot != pdtFrame.Address() {
		t.Fatalf("expected rootTableFn to return %v inside fn; got %v", pdtFrame.Address(), sawRoot)
	}

	if got := rootTableFn(); got != 0xdead {
		t.Fatalf("expected rootTableFn to be restored; got %v", got)
	}
}
