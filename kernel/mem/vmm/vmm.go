package vmm

import (
	"github.com/dracoos/draco/kernel"
	"github.com/dracoos/draco/kernel/cpu"
	"github.com/dracoos/draco/kernel/irq"
	"github.com/dracoos/draco/kernel/kfmt/early"
	"github.com/dracoos/draco/kernel/mem"
	"github.com/dracoos/draco/kernel/mem/addr"
	"github.com/dracoos/draco/kernel/mem/pmm"
)

// ReservedZeroedFrame is a single physical frame, zeroed once during Init,
// that every lazily-allocated anonymous page is mapped to (read-only, with
// FlagCopyOnWrite set) until the first write fault gives it a private copy.
var ReservedZeroedFrame pmm.Frame

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn                   = kernel.Panic
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2
)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred.
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set. The replacement
	// frame is reachable through the HHDM as soon as it is allocated, so
	// the copy can be performed directly without a temporary mapping.
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		replacement, err := frameAllocator()
		if err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
			return
		}

		src := addr.Physical(pageEntry.Frame().Address()).Virtual().Pointer()
		dst := addr.Physical(replacement.Address()).Virtual().Pointer()
		mem.Memcopy(src, dst, mem.PageSize)

		pageEntry.ClearFlags(FlagCopyOnWrite)
		pageEntry.SetFlags(FlagPresent | FlagRW)
		pageEntry.SetFrame(replacement)
		flushTLBEntryFn(faultPage.Address())

		// Fault recovered; the faulting instruction will be retried.
		return
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, nil)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	early.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		early.Printf("read from non-present page")
	case errorCode == 1:
		early.Printf("page protection violation (read)")
	case errorCode == 2:
		early.Printf("write to non-present page")
	case errorCode == 3:
		early.Printf("page protection violation (write)")
	case errorCode == 4:
		early.Printf("page-fault in user-mode")
	case errorCode == 8:
		early.Printf("page table has reserved bit set")
	case errorCode == 16:
		early.Printf("instruction fetch")
	default:
		early.Printf("unknown")
	}

	early.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	panicFn(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	early.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	panicFn(nil)
}

// reserveZeroedFrame reserves and zeroes the physical frame used together
// with FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	frame, err := frameAllocator()
	if err != nil {
		return err
	}

	mem.Memset(addr.Physical(frame.Address()).Virtual().Pointer(), 0, mem.PageSize)
	ReservedZeroedFrame = frame
	return nil
}

// Init initializes the vmm system and installs paging-related exception
// handlers.
func Init() *kernel.Error {
	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}
